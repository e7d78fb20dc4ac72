// Package contacts records the people a user corresponds with.
package contacts

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/emersion/go-message/mail"
	"github.com/sirupsen/logrus"

	"github.com/nhle/mailsync/internal/model"
)

// Store persists contacts.
type Store interface {
	UpsertContacts(ctx context.Context, userID string, contacts []model.Contact) error
	ListContacts(ctx context.Context, userID string) ([]model.Contact, error)
}

// Service normalizes contacts before storing them.
type Service struct {
	store Store
	log   *logrus.Entry
}

// NewService creates a Service.
func NewService(store Store) *Service {
	return &Service{store: store, log: logrus.WithField("pkg", "contacts")}
}

// UpsertContacts stores contacts for userID. Addresses are lowercased,
// entries that do not look like an address are dropped, and duplicates
// collapse to the earliest meeting with the first known name.
func (s *Service) UpsertContacts(ctx context.Context, userID string, contacts []model.Contact) error {
	byEmail := make(map[string]model.Contact, len(contacts))
	for _, c := range contacts {
		email := strings.ToLower(strings.TrimSpace(c.Email))
		if _, err := mail.ParseAddress(email); err != nil {
			s.log.WithField("email", c.Email).Debug("Dropping malformed contact")
			continue
		}
		c.Email = email
		if c.Name != nil && strings.TrimSpace(*c.Name) == "" {
			c.Name = nil
		}

		prev, ok := byEmail[email]
		if !ok {
			byEmail[email] = c
			continue
		}
		if c.FirstMetAt.Before(prev.FirstMetAt) {
			prev.FirstMetAt = c.FirstMetAt
		}
		if prev.Name == nil {
			prev.Name = c.Name
		}
		byEmail[email] = prev
	}
	if len(byEmail) == 0 {
		return nil
	}

	out := make([]model.Contact, 0, len(byEmail))
	for _, c := range byEmail {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })

	if err := s.store.UpsertContacts(ctx, userID, out); err != nil {
		return fmt.Errorf("upserting %d contacts: %w", len(out), err)
	}
	return nil
}

// ListContacts returns the contacts of userID.
func (s *Service) ListContacts(ctx context.Context, userID string) ([]model.Contact, error) {
	return s.store.ListContacts(ctx, userID)
}
