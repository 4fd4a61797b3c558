package push

import "sync"

// Composer is one participant currently typing.
type Composer struct {
	UserID      string
	DisplayName string
	IsHuman     bool
}

// Presence is the continuously-synchronized set of who is composing.
type Presence struct {
	mu        sync.Mutex
	composers map[string]Composer
}

func NewPresence() *Presence {
	return &Presence{composers: map[string]Composer{}}
}

// Apply folds one typing event into the set.
func (p *Presence) Apply(ev TypingEvent) {
	if p == nil || ev.UserID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.IsTyping {
		p.composers[ev.UserID] = Composer{UserID: ev.UserID, DisplayName: ev.DisplayName, IsHuman: ev.IsHuman}
		return
	}
	delete(p.composers, ev.UserID)
}

// HumanTyping reports whether any human is composing and, if so, their
// display name.
func (p *Presence) HumanTyping() (bool, string) {
	if p == nil {
		return false, ""
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.composers {
		if c.IsHuman {
			return true, c.DisplayName
		}
	}
	return false, ""
}

// ActiveCount returns the number of composers in the set.
func (p *Presence) ActiveCount() int {
	if p == nil {
		return 0
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.composers)
}

// Reset clears the set; used when the subscription is retargeted.
func (p *Presence) Reset() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.composers = map[string]Composer{}
}
