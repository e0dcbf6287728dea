package app

import (
	"sync"

	"outreach/internal/conversation"
	"outreach/internal/remote"
)

// liveComposer lets a config reload swap the stage templates under running
// conversations. Each Compose call uses the templates current at that moment.
type liveComposer struct {
	mu sync.RWMutex
	c  conversation.TemplateComposer
}

func newLiveComposer(t conversation.Templates) *liveComposer {
	return &liveComposer{c: conversation.TemplateComposer{Templates: t}}
}

func (l *liveComposer) Set(t conversation.Templates) {
	l.mu.Lock()
	l.c = conversation.TemplateComposer{Templates: t}
	l.mu.Unlock()
}

func (l *liveComposer) Compose(stage conversation.Stage, peer remote.UserIdentity, topic string) (string, error) {
	l.mu.RLock()
	c := l.c
	l.mu.RUnlock()
	return c.Compose(stage, peer, topic)
}
