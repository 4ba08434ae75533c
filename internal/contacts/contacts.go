// Package contacts resolves and maintains the recipients intents are
// addressed to. It is deliberately small: the scheduling service consumes
// it for recipient resolution, the HTTP surface for contact upserts.
package contacts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/quietsend/quietsend/internal/chat"
	"github.com/quietsend/quietsend/internal/store"
	"github.com/quietsend/quietsend/internal/types"
)

type Service struct {
	store  *store.Store
	clock  clockwork.Clock
	logger zerolog.Logger
}

func New(st *store.Store, clock clockwork.Clock, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		clock:  clock,
		logger: logger.With().Str("component", "contacts").Logger(),
	}
}

// CreateRequest upserts a contact by phone.
type CreateRequest struct {
	Phone            string `json:"phone"`
	Name             string `json:"name"`
	Birthday         string `json:"birthday"`
	BirthdayReminder bool   `json:"birthdayReminder"`
}

// Create inserts a contact, or updates the existing row for the same phone.
// Birthday fields are only written when a birthday is given; clearing one
// goes through SetBirthday.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Contact, error) {
	phone, err := chat.NormalizePhone(req.Phone)
	if err != nil {
		return nil, err
	}
	if req.Birthday != "" {
		if _, _, err := ParseBirthday(req.Birthday); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now().UTC()

	existing, err := s.store.GetContactByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if req.Name != "" && existing.Name == "" {
			if err := s.store.SetContactName(ctx, existing.ID, req.Name, now); err != nil {
				return nil, err
			}
			existing.Name = req.Name
		}
		if req.Birthday != "" {
			if err := s.store.SetContactBirthday(ctx, existing.ID, req.Birthday, req.BirthdayReminder, now); err != nil {
				return nil, err
			}
			existing.Birthday = req.Birthday
			existing.BirthdayReminder = req.BirthdayReminder
		}
		return existing, nil
	}

	c := &types.Contact{
		ID:               uuid.NewString(),
		Phone:            phone,
		Name:             req.Name,
		Birthday:         req.Birthday,
		BirthdayReminder: req.BirthdayReminder,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.CreateContact(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().Str("contact_id", c.ID).Msg("Contact created")
	return c, nil
}

// Resolve returns the recipient for a schedule request. Exactly one of
// contactID and phone must be set; an unknown phone auto-creates the
// contact, and a known one gains the given name if it has none yet.
func (s *Service) Resolve(ctx context.Context, contactID, phone, name string) (*types.Contact, error) {
	if contactID != "" {
		return s.store.GetContact(ctx, contactID)
	}

	normalized, err := chat.NormalizePhone(phone)
	if err != nil {
		return nil, err
	}
	existing, err := s.store.GetContactByPhone(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if name != "" && existing.Name == "" {
			now := s.clock.Now().UTC()
			if err := s.store.SetContactName(ctx, existing.ID, name, now); err != nil {
				return nil, err
			}
			existing.Name = name
		}
		return existing, nil
	}

	now := s.clock.Now().UTC()
	c := &types.Contact{
		ID:        uuid.NewString(),
		Phone:     normalized,
		Name:      name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateContact(ctx, c); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("contact_id", c.ID).
		Str("phone", normalized).
		Msg("Contact auto-created from phone")
	return c, nil
}

// Get loads one contact.
func (s *Service) Get(ctx context.Context, id string) (*types.Contact, error) {
	return s.store.GetContact(ctx, id)
}

// SetBirthday updates the birthday fields. An empty birthday clears it,
// which the caller follows with a reminder sync to retire the rule.
func (s *Service) SetBirthday(ctx context.Context, id, birthday string, reminder bool) (*types.Contact, error) {
	if birthday != "" {
		if _, _, err := ParseBirthday(birthday); err != nil {
			return nil, err
		}
	}
	now := s.clock.Now().UTC()
	if err := s.store.SetContactBirthday(ctx, id, birthday, reminder, now); err != nil {
		return nil, err
	}
	return s.store.GetContact(ctx, id)
}

// ParseBirthday validates the MM-DD birthday form and returns its parts.
// Feb 29 is accepted; a yearly cron for it simply skips non-leap years.
func ParseBirthday(s string) (time.Month, int, error) {
	t, err := time.Parse("01-02", s)
	if err != nil {
		return 0, 0, types.Validationf("birthday must be MM-DD, got %q", s)
	}
	return t.Month(), t.Day(), nil
}
