package threeds

import (
	"context"
	"strings"
	"sync"

	"github.com/acquira/gateway/internal/ids"
)

// SimulatedACS is a scriptable in-process ACS for tests and local runs.
// Behavior keys off the card token suffix unless a script overrides it.
type SimulatedACS struct {
	mu sync.Mutex

	// NotEnrolledSuffix marks tokens as not participating in 3-DS.
	NotEnrolledSuffix string
	// ChallengeSuffix forces a challenge flow.
	ChallengeSuffix string
	// ChallengeAnswer is the response VerifyChallenge accepts.
	ChallengeAnswer string

	enrollErr error
	authErr   error
	verifyErr error

	issued map[string]bool // XIDs with an outstanding challenge
}

func NewSimulatedACS() *SimulatedACS {
	return &SimulatedACS{
		NotEnrolledSuffix: "0000",
		ChallengeSuffix:   "3333",
		ChallengeAnswer:   "otp-123456",
		issued:            make(map[string]bool),
	}
}

// FailWith makes subsequent calls return err; pass nil to recover.
func (a *SimulatedACS) FailWith(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enrollErr, a.authErr, a.verifyErr = err, err, err
}

func (a *SimulatedACS) CheckEnrollment(_ context.Context, cardToken string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enrollErr != nil {
		return false, a.enrollErr
	}
	return !strings.HasSuffix(cardToken, a.NotEnrolledSuffix), nil
}

func (a *SimulatedACS) Authenticate(_ context.Context, req Request) (ACSResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.authErr != nil {
		return ACSResult{}, a.authErr
	}
	xid := ids.New("xid_")
	if strings.HasSuffix(req.CardToken, a.ChallengeSuffix) {
		a.issued[xid] = true
		return ACSResult{
			Challenge:    true,
			ChallengeURL: "https://acs.example.test/challenge/" + xid,
			XID:          xid,
		}, nil
	}
	return ACSResult{
		Authenticated: true,
		CAVV:          ids.New("cavv_"),
		ECI:           ECIFullAuth,
		XID:           xid,
	}, nil
}

func (a *SimulatedACS) VerifyChallenge(_ context.Context, xid, response string) (ACSResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.verifyErr != nil {
		return ACSResult{}, a.verifyErr
	}
	if !a.issued[xid] {
		return ACSResult{Authenticated: false, ECI: ECINoAuth}, nil
	}
	delete(a.issued, xid)
	if response != a.ChallengeAnswer {
		return ACSResult{Authenticated: false, ECI: ECINoAuth, XID: xid}, nil
	}
	return ACSResult{
		Authenticated: true,
		CAVV:          ids.New("cavv_"),
		ECI:           ECIFullAuth,
		XID:           xid,
	}, nil
}
