// Package scan drives the staff scanner through verify, confirm and decline.
// It holds no business rules of its own; every outcome comes from the
// redemption service and is mapped to the action the operator should take.
package scan

import (
	"context"
	"errors"
	"sync"

	"getonblockchain/services/redemption"
)

type State string

const (
	StateIdle       State = "IDLE"
	StateVerifying  State = "VERIFYING"
	StateVerified   State = "VERIFIED"
	StateConfirming State = "CONFIRMING"
	StateConfirmed  State = "CONFIRMED"
	StateDeclining  State = "DECLINING"
	StateDeclined   State = "DECLINED"
	StateFailed     State = "FAILED"
)

// Guidance tells the operator what to do after a failure.
type Guidance string

const (
	GuidanceNone         Guidance = "NONE"
	GuidanceRescan       Guidance = "RESCAN"
	GuidanceRegenerateQR Guidance = "REGENERATE_QR"
)

var ErrInvalidTransition = errors.New("scan: invalid transition")

// Redeemer is the subset of the redemption service a scanner needs.
type Redeemer interface {
	VerifyRedemptionQR(ctx context.Context, qr, merchantID string) (*redemption.VerifyResult, error)
	ConfirmRedemption(ctx context.Context, in redemption.ConfirmInput) (*redemption.ConfirmResult, error)
	DeclineRedemption(ctx context.Context, redemptionID, merchantID string, reason *string) (*redemption.DeclineResult, error)
}

type Failure struct {
	Code     redemption.Code
	Message  string
	Guidance Guidance
}

func GuidanceFor(code redemption.Code) Guidance {
	switch code {
	case redemption.CodeExpired, redemption.CodeCancelledByMember, redemption.CodeDeclinedPreviously:
		return GuidanceRegenerateQR
	case redemption.CodeInvalidQR, redemption.CodeWrongMerchant, redemption.CodeInvalidState, redemption.CodeInternal:
		return GuidanceRescan
	default:
		return GuidanceNone
	}
}

func failureOf(err error) *Failure {
	f := &Failure{Code: redemption.CodeOf(err), Message: "An unexpected error occurred"}

	var e *redemption.Error
	if errors.As(err, &e) {
		f.Message = e.PublicMessage()
	}
	f.Guidance = GuidanceFor(f.Code)
	return f
}

// Session is one scanner screen. It is safe for concurrent use; a call made
// while another is in flight sees the in-flight state and is rejected.
type Session struct {
	mu sync.Mutex

	svc        Redeemer
	merchantID string
	staffID    *string

	state     State
	qr        string
	verified  *redemption.VerifyResult
	confirmed *redemption.ConfirmResult
	declined  *redemption.DeclineResult
	failure   *Failure
}

func NewSession(svc Redeemer, merchantID string, staffID *string) *Session {
	return &Session{
		svc:        svc,
		merchantID: merchantID,
		staffID:    staffID,
		state:      StateIdle,
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Verified() *redemption.VerifyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

func (s *Session) Confirmed() *redemption.ConfirmResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.confirmed
}

func (s *Session) Declined() *redemption.DeclineResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declined
}

func (s *Session) Failure() *Failure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// begin moves from one of the allowed states to next, or reports ErrInvalidTransition.
func (s *Session) begin(next State, from ...State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, f := range from {
		if s.state == f {
			s.state = next
			return nil
		}
	}
	return ErrInvalidTransition
}

func (s *Session) fail(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateFailed
	s.failure = failureOf(err)
	return err
}

// Scan verifies a freshly scanned payload.
func (s *Session) Scan(ctx context.Context, qr string) (*redemption.VerifyResult, error) {
	if err := s.begin(StateVerifying, StateIdle); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.qr = qr
	s.mu.Unlock()

	return s.verify(ctx, qr)
}

// Refresh re-verifies the current QR. Polling this is how a scanner learns
// that a request expired or was cancelled while on screen.
func (s *Session) Refresh(ctx context.Context) (*redemption.VerifyResult, error) {
	if err := s.begin(StateVerifying, StateVerified); err != nil {
		return nil, err
	}
	s.mu.Lock()
	qr := s.qr
	s.mu.Unlock()

	return s.verify(ctx, qr)
}

func (s *Session) verify(ctx context.Context, qr string) (*redemption.VerifyResult, error) {
	res, err := s.svc.VerifyRedemptionQR(ctx, qr, s.merchantID)
	if err != nil {
		return nil, s.fail(err)
	}

	s.mu.Lock()
	s.state = StateVerified
	s.verified = res
	s.mu.Unlock()
	return res, nil
}

func (s *Session) Confirm(ctx context.Context, businessID *string) (*redemption.ConfirmResult, error) {
	if err := s.begin(StateConfirming, StateVerified); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.verified.RedemptionID
	s.mu.Unlock()

	res, err := s.svc.ConfirmRedemption(ctx, redemption.ConfirmInput{
		RedemptionID: id,
		MerchantID:   s.merchantID,
		StaffID:      s.staffID,
		BusinessID:   businessID,
	})
	if err != nil {
		return nil, s.fail(err)
	}

	s.mu.Lock()
	s.state = StateConfirmed
	s.confirmed = res
	s.mu.Unlock()
	return res, nil
}

func (s *Session) Decline(ctx context.Context, reason *string) (*redemption.DeclineResult, error) {
	if err := s.begin(StateDeclining, StateVerified); err != nil {
		return nil, err
	}
	s.mu.Lock()
	id := s.verified.RedemptionID
	s.mu.Unlock()

	res, err := s.svc.DeclineRedemption(ctx, id, s.merchantID, reason)
	if err != nil {
		return nil, s.fail(err)
	}

	s.mu.Lock()
	s.state = StateDeclined
	s.declined = res
	s.mu.Unlock()
	return res, nil
}

// Reset clears the session for the next scan.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateIdle
	s.qr = ""
	s.verified = nil
	s.confirmed = nil
	s.declined = nil
	s.failure = nil
}
