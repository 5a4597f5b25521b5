package models

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrDuplicateEmail     = errors.New("email already subscribed")
)

type Subscriber struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// SubscriptionRequest is the raw intake payload shared by the form and the API.
type SubscriptionRequest struct {
	Name  string `json:"name" form:"name"`
	Email string `json:"email" form:"email"`
}

// SubscriberUpdate carries the editable fields of a subscriber. A nil field is left unchanged.
type SubscriberUpdate struct {
	Name  *string `json:"name"`
	Email *string `json:"email"`
}

func NewSubscriber(name, email string, now time.Time) *Subscriber {
	return &Subscriber{
		ID:           uuid.New(),
		Name:         name,
		Email:        email,
		SubscribedAt: now.UTC().Truncate(time.Microsecond),
	}
}

// Apply copies the set fields of u onto s. ID and SubscribedAt are never touched.
func (s *Subscriber) Apply(u SubscriberUpdate) {
	if u.Name != nil {
		s.Name = *u.Name
	}
	if u.Email != nil {
		s.Email = *u.Email
	}
}

// Matches reports whether term occurs in the subscriber's name or email, ignoring case.
func (s *Subscriber) Matches(term string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s.Name), term) ||
		strings.Contains(strings.ToLower(s.Email), term)
}

// SortNewestFirst orders subscribers by SubscribedAt descending. The sort is stable,
// so callers that pass insertion order reversed keep the latest insert first on ties.
func SortNewestFirst(subscribers []*Subscriber) {
	sort.SliceStable(subscribers, func(i, j int) bool {
		return subscribers[i].SubscribedAt.After(subscribers[j].SubscribedAt)
	})
}
