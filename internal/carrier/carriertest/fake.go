// Package carriertest provides a scripted in-memory carrier for tests.
package carriertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"safeline/internal/carrier"
	"safeline/internal/models"
)

// Fake is a carrier.Client whose Send results are scripted. Once the script is
// exhausted every send succeeds with a generated SID.
type Fake struct {
	mu       sync.Mutex
	script   []error
	sent     []carrier.SendParams
	statuses map[string]*carrier.StatusReport
	fetchErr error
	seq      int
}

// NewFake returns a Fake that fails the first sends with errs, in order.
func NewFake(errs ...error) *Fake {
	return &Fake{script: errs, statuses: make(map[string]*carrier.StatusReport)}
}

// Send records params and returns the next scripted outcome.
func (f *Fake) Send(_ context.Context, params carrier.SendParams) (*carrier.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.sent = append(f.sent, params)
	if len(f.script) > 0 {
		err := f.script[0]
		f.script = f.script[1:]
		if err != nil {
			return nil, err
		}
	}

	f.seq++
	from := params.From
	if from == "" {
		from = "+15550009999"
	}
	return &carrier.SendResult{
		SID:       fmt.Sprintf("SM%032d", f.seq),
		Status:    models.MessageStatusQueued,
		From:      from,
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Fetch returns the status set with SetStatus.
func (f *Fake) Fetch(_ context.Context, sid string) (*carrier.StatusReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	report, ok := f.statuses[sid]
	if !ok {
		return nil, &carrier.Error{StatusCode: 404, Message: "message not found"}
	}
	out := *report
	return &out, nil
}

// SetStatus scripts the report Fetch returns for sid.
func (f *Fake) SetStatus(report carrier.StatusReport) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[report.SID] = &report
}

// FailFetch makes every Fetch return err.
func (f *Fake) FailFetch(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetchErr = err
}

// Sent returns a copy of every Send call received.
func (f *Fake) Sent() []carrier.SendParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]carrier.SendParams, len(f.sent))
	copy(out, f.sent)
	return out
}

// Calls is the number of Send calls received.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}
