package bot

import (
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/slashbinslashnoname/p2p-telegram-escrow/escrow"
	"github.com/slashbinslashnoname/p2p-telegram-escrow/models"
)

// maxFieldLen caps free-text deal fields.
const maxFieldLen = 256

type step int

const (
	stepType step = iota
	stepName
	stepDescription
	stepPrice
	stepDone
)

var prompts = map[step]string{
	stepType:        "What are you selling? Send the item type (e.g. account, service, gift).",
	stepName:        "Send the item name.",
	stepDescription: "Send a short description of the item.",
	stepPrice:       "Send the price, e.g. 100 or 12.5.",
}

// Session collects the fields of one deal from a seller, one message at a time.
// It never touches the ledger; the finished draft goes to CreateDeal.
type Session struct {
	step  step
	draft escrow.DealDraft
}

// NewSession starts at the item type question.
func NewSession() *Session {
	return &Session{step: stepType}
}

// Prompt returns the question for the current step.
func (s *Session) Prompt() string {
	return prompts[s.step]
}

// Done reports whether every field has been collected.
func (s *Session) Done() bool {
	return s.step == stepDone
}

// Draft returns the collected fields.
func (s *Session) Draft() escrow.DealDraft {
	return s.draft
}

// Advance records input for the current step. On error the step is unchanged
// and the user is asked again.
func (s *Session) Advance(input string) error {
	input = strings.TrimSpace(input)
	if s.step == stepDone {
		return errors.New("session already complete")
	}
	if input == "" {
		return errors.New("please send a non-empty value")
	}
	if len(input) > maxFieldLen {
		return errors.Errorf("please keep it under %d characters", maxFieldLen)
	}

	switch s.step {
	case stepType:
		s.draft.ItemType = input
	case stepName:
		s.draft.ItemName = input
	case stepDescription:
		s.draft.ItemDescription = input
	case stepPrice:
		price, err := models.ParseAmount(input)
		if err != nil {
			return err
		}
		s.draft.Price = price
	}
	s.step++
	return nil
}

// sessions holds at most one in-progress deal draft per user.
type sessions struct {
	mu   sync.Mutex
	byID map[int64]*Session
}

func newSessions() *sessions {
	return &sessions{byID: make(map[int64]*Session)}
}

func (s *sessions) start(userID int64) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := NewSession()
	s.byID[userID] = sess
	return sess
}

type feedResult struct {
	Prompt string
	Draft  escrow.DealDraft
	Done   bool
}

// feed passes text to the session of userID, if any. A finished session is
// removed and its draft returned.
func (s *sessions) feed(userID int64, text string) (feedResult, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.byID[userID]
	if !ok {
		return feedResult{}, false, nil
	}
	if err := sess.Advance(text); err != nil {
		return feedResult{Prompt: sess.Prompt()}, true, err
	}
	if !sess.Done() {
		return feedResult{Prompt: sess.Prompt()}, true, nil
	}
	delete(s.byID, userID)
	return feedResult{Draft: sess.Draft(), Done: true}, true, nil
}

func (s *sessions) drop(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[userID]
	delete(s.byID, userID)
	return ok
}
