package portalclient

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pitabwire/civicportal/model"
)

// Notification channels.
const (
	ChannelEmail = "email"
	ChannelSMS   = "sms"
	ChannelInApp = "in_app"
)

// ErrToggleInFlight is returned by Toggle while a previous save runs.
var ErrToggleInFlight = errors.New("portalclient: preference update in progress")

// SaveFunc persists preferences and returns them as stored.
type SaveFunc func(ctx context.Context, prefs model.NotificationPrefs) (model.NotificationPrefs, error)

// PreferenceToggle flips one notification channel at a time. The new
// value is visible immediately and reverted if the save fails.
type PreferenceToggle struct {
	mu       sync.Mutex
	prefs    model.NotificationPrefs
	save     SaveFunc
	inFlight bool
}

// NewPreferenceToggle starts from the preferences currently stored.
func NewPreferenceToggle(initial model.NotificationPrefs, save SaveFunc) *PreferenceToggle {
	return &PreferenceToggle{prefs: initial, save: save}
}

// ClientPreferenceToggle saves through c.
func ClientPreferenceToggle(c *Client, initial model.NotificationPrefs) *PreferenceToggle {
	return NewPreferenceToggle(initial, c.SavePreferences)
}

// Toggle sets channel to on and saves. On failure the previous value is
// restored and the error returned.
func (t *PreferenceToggle) Toggle(ctx context.Context, channel string, on bool) error {
	t.mu.Lock()
	if t.inFlight {
		t.mu.Unlock()
		return ErrToggleInFlight
	}
	previous := t.prefs
	next, err := withChannel(previous, channel, on)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.prefs = next
	t.inFlight = true
	t.mu.Unlock()

	stored, err := t.save(ctx, next)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.inFlight = false
	if err != nil {
		t.prefs = previous
		return err
	}
	t.prefs = stored
	return nil
}

// Prefs returns the preferences as currently shown.
func (t *PreferenceToggle) Prefs() model.NotificationPrefs {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.prefs
}

// InFlight reports whether a save is running.
func (t *PreferenceToggle) InFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inFlight
}

func withChannel(p model.NotificationPrefs, channel string, on bool) (model.NotificationPrefs, error) {
	switch channel {
	case ChannelEmail:
		p.Email = on
	case ChannelSMS:
		p.SMS = on
	case ChannelInApp:
		p.InApp = on
	default:
		return p, fmt.Errorf("portalclient: unknown notification channel %q", channel)
	}
	return p, nil
}
