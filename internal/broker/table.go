package broker

import (
	"sync"
	"time"
)

// ApprovalRequest is an open question to a human. It exists only while
// its deployment is PENDING.
type ApprovalRequest struct {
	ID           string
	DeploymentID string
	ChatID       string
	MessageID    string
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// dispatchTable maps request ids to open requests. One table serves every
// callback; consuming an entry is the single point where a response is
// accepted.
type dispatchTable struct {
	mu           sync.Mutex
	byID         map[string]*ApprovalRequest
	byDeployment map[string]string
}

func newDispatchTable() *dispatchTable {
	return &dispatchTable{
		byID:         make(map[string]*ApprovalRequest),
		byDeployment: make(map[string]string),
	}
}

// register returns the open request for deploymentID, creating one if
// none exists.
func (t *dispatchTable) register(deploymentID, chatID string, issued, expires time.Time) (ApprovalRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.byDeployment[deploymentID]; ok {
		return *t.byID[id], true
	}
	req := &ApprovalRequest{
		ID:           newRequestID(),
		DeploymentID: deploymentID,
		ChatID:       chatID,
		IssuedAt:     issued,
		ExpiresAt:    expires,
	}
	t.byID[req.ID] = req
	t.byDeployment[deploymentID] = req.ID
	return *req, false
}

func (t *dispatchTable) setMessage(requestID, messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if req, ok := t.byID[requestID]; ok {
		req.MessageID = messageID
	}
}

// consume removes and returns the request. Only one caller can win.
func (t *dispatchTable) consume(requestID string) (ApprovalRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	req, ok := t.byID[requestID]
	if !ok {
		return ApprovalRequest{}, false
	}
	delete(t.byID, requestID)
	delete(t.byDeployment, req.DeploymentID)
	return *req, true
}

// restore puts back a consumed request whose resolution failed to persist.
func (t *dispatchTable) restore(req ApprovalRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, taken := t.byDeployment[req.DeploymentID]; taken {
		return
	}
	r := req
	t.byID[r.ID] = &r
	t.byDeployment[r.DeploymentID] = r.ID
}

func (t *dispatchTable) drop(deploymentID string) (ApprovalRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byDeployment[deploymentID]
	if !ok {
		return ApprovalRequest{}, false
	}
	req := t.byID[id]
	delete(t.byID, id)
	delete(t.byDeployment, deploymentID)
	return *req, true
}

func (t *dispatchTable) has(deploymentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byDeployment[deploymentID]
	return ok
}

func (t *dispatchTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
