// Package tip implements the guarded tip flow: validate, submit once,
// reload the sender's balance, notify.
package tip

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"walletsync/internal/api"
	"walletsync/internal/logger"
	"walletsync/internal/metrics"
	"walletsync/internal/money"
	"walletsync/internal/wallet"
)

const (
	// MinAmount and MaxAmount bound a tip, inclusive
	MinAmount = 1.0
	MaxAmount = 500.0

	// DisplayDelay is how long the outcome stays on screen before the completion callback runs
	DisplayDelay = 2 * time.Second

	genericFailure = "Failed to send tip. Please try again."
	busyMessage    = "A tip is already being sent"
)

var (
	ErrInvalidAmount       = errors.New("invalid tip amount")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrRejected            = errors.New("tip rejected")
)

// State is a step of the submission state machine
type State int

const (
	Idle State = iota
	Validating
	Submitting
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Validating:
		return "validating"
	case Submitting:
		return "submitting"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Client is the remote side of the flow
type Client interface {
	SubmitTip(ctx context.Context, recipient string, amount float64) (api.TipResponse, error)
	GetBalance(ctx context.Context, username, role string) (float64, error)
}

// Notifier is told about successful tips
type Notifier interface {
	TipSent(sender, recipient string, amount, newBalance float64)
}

// Result is the outcome of one Submit call
type Result struct {
	// Ignored is set when another submit was already in flight
	Ignored bool    `json:"ignored,omitempty"`
	Success bool    `json:"success"`
	Message string  `json:"message"`
	Amount  float64 `json:"amount,omitempty"`
	Balance float64 `json:"balance,omitempty"`
	Err     error   `json:"-"`
	// ReloadErr is set when the tip was accepted but the balance reload failed
	ReloadErr error `json:"-"`
}

// Submission runs tips for one sender. At most one tip is in flight at a time.
type Submission struct {
	sender string
	role   wallet.Role
	client Client
	ledger *wallet.Ledger

	notifier     Notifier
	onComplete   func(Result)
	displayDelay time.Duration
	schedule     func(d time.Duration, fn func())
	sanitizer    *bluemonday.Policy

	mu    sync.Mutex
	state State
}

// NewSubmission creates a tip flow for sender, whose balance is held under role
func NewSubmission(sender string, role wallet.Role, client Client, ledger *wallet.Ledger) *Submission {
	return &Submission{
		sender:       sender,
		role:         role,
		client:       client,
		ledger:       ledger,
		displayDelay: DisplayDelay,
		schedule: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// SetNotifier sets the notifier called after a successful tip
func (s *Submission) SetNotifier(n Notifier) {
	s.notifier = n
}

// SetOnComplete sets the presentational callback run DisplayDelay after a
// successful tip (clear the input, close the modal)
func (s *Submission) SetOnComplete(fn func(Result)) {
	s.onComplete = fn
}

// State returns the current state
func (s *Submission) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Submission) setState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// Submit validates and sends one tip. A call made while another is
// validating or submitting returns an Ignored result without side effects.
func (s *Submission) Submit(ctx context.Context, recipient, amountInput string) Result {
	s.mu.Lock()
	if s.state == Validating || s.state == Submitting {
		s.mu.Unlock()
		metrics.TipSubmissions.WithLabelValues("ignored").Inc()
		logger.Debug(s.sender, "tip_submit_ignored", "state="+s.State().String())
		return Result{Ignored: true, Message: busyMessage}
	}
	s.state = Validating
	s.mu.Unlock()

	recipient = strings.TrimSpace(recipient)
	amount, err := s.validate(recipient, amountInput)
	if err != nil {
		s.setState(Idle)
		metrics.TipSubmissions.WithLabelValues("invalid").Inc()
		logger.Debug(s.sender, "tip_validation_failed", fmt.Sprintf("recipient=%s input=%q error=%s", recipient, amountInput, err.Error()))
		return Result{Message: validationMessage(err), Err: err}
	}

	s.setState(Submitting)
	logger.Debug(s.sender, "tip_submitting", fmt.Sprintf("recipient=%s amount=%.2f", recipient, amount))

	resp, err := s.client.SubmitTip(ctx, recipient, amount)
	if err != nil || !resp.Success {
		return s.fail(recipient, resp, err)
	}

	return s.succeed(ctx, recipient, amount, resp)
}

func (s *Submission) validate(recipient, amountInput string) (float64, error) {
	amount, err := strconv.ParseFloat(strings.TrimSpace(amountInput), 64)
	if err != nil || !money.IsFinite(amount) {
		return 0, fmt.Errorf("%w: %q is not a number", ErrInvalidAmount, amountInput)
	}
	if amount < MinAmount || amount > MaxAmount {
		return 0, fmt.Errorf("%w: %s is outside %s to %s", ErrInvalidAmount, money.Format(amount), money.Format(MinAmount), money.Format(MaxAmount))
	}
	if recipient == "" || recipient == s.sender {
		return 0, fmt.Errorf("%w: %q", ErrInvalidRecipient, recipient)
	}
	if balance := s.ledger.Balance(s.sender, s.role); amount > balance {
		return 0, fmt.Errorf("%w: %s available", ErrInsufficientBalance, money.Format(balance))
	}
	return amount, nil
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return fmt.Sprintf("Tip amount must be between %s and %s", money.Format(MinAmount), money.Format(MaxAmount))
	case errors.Is(err, ErrInvalidRecipient):
		return "Choose someone else to tip"
	case errors.Is(err, ErrInsufficientBalance):
		return "Insufficient balance for this tip"
	}
	return genericFailure
}

func (s *Submission) fail(recipient string, resp api.TipResponse, err error) Result {
	s.setState(Failed)
	defer s.setState(Idle)
	metrics.TipSubmissions.WithLabelValues("failed").Inc()

	serverMessage := resp.Message
	var statusErr *api.StatusError
	if errors.As(err, &statusErr) {
		serverMessage = statusErr.Message
	}

	message := strings.TrimSpace(s.sanitizer.Sanitize(serverMessage))
	if message == "" {
		message = genericFailure
	}

	if err == nil {
		err = fmt.Errorf("%w: %s", ErrRejected, message)
	} else if statusErr != nil {
		err = fmt.Errorf("%w: %w", ErrRejected, err)
	}

	logger.Debug(s.sender, "tip_failed", fmt.Sprintf("recipient=%s error=%s", recipient, err.Error()))
	return Result{Message: message, Err: err}
}

func (s *Submission) succeed(ctx context.Context, recipient string, amount float64, resp api.TipResponse) Result {
	s.setState(Succeeded)
	defer s.setState(Idle)
	metrics.TipSubmissions.WithLabelValues("succeeded").Inc()

	balance, reloadErr := s.ledger.Reload(ctx, s.client, s.sender, s.role)
	if reloadErr != nil {
		// The tip went through; the mirror catches up on the next reload
		balance = s.ledger.Balance(s.sender, s.role)
	}

	message := strings.TrimSpace(s.sanitizer.Sanitize(resp.Message))
	if message == "" {
		message = fmt.Sprintf("Sent %s to %s", money.Format(amount), recipient)
	}

	logger.Debug(s.sender, "tip_succeeded", fmt.Sprintf("recipient=%s amount=%.2f balance=%.2f", recipient, amount, balance))

	if s.notifier != nil {
		s.notifier.TipSent(s.sender, recipient, amount, balance)
	}

	result := Result{Success: true, Message: message, Amount: amount, Balance: balance, ReloadErr: reloadErr}
	if s.onComplete != nil {
		done := s.onComplete
		s.schedule(s.displayDelay, func() { done(result) })
	}
	return result
}
