package main

import (
	"context"
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"mpyrepl/internal/kernel"
)

const statusBusy = "busy"

// CellRequest is the JSON form of a cell message. A payload that is not a
// JSON object is taken as the cell text itself.
type CellRequest struct {
	ID     string `json:"id"`
	Cell   string `json:"cell"`
	Silent bool   `json:"silent"`
}

// CellResult is published on the result topic once a cell finishes.
type CellResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output string `json:"output"`
	Errors string `json:"errors,omitempty"`
}

// StatusResponse answers a message on the base topic.
type StatusResponse struct {
	Status            string   `json:"status"`
	Connected         bool     `json:"connected"`
	Device            string   `json:"device,omitempty"`
	Running           string   `json:"running,omitempty"`
	AvailableCommands []string `json:"available_commands"`
	Timestamp         string   `json:"timestamp"`
}

type publisher interface {
	Publish(topic string, payload []byte) error
}

// Bridge runs cells received over MQTT on one device session, one at a
// time.
type Bridge struct {
	it     *kernel.Interpreter
	out    *kernel.BufferDisplay
	topics topics
	pub    publisher
	logger *log.Logger
	sem    *semaphore.Weighted
	wg     sync.WaitGroup

	mu      sync.Mutex
	running string
	cancel  context.CancelFunc
}

func NewBridge(it *kernel.Interpreter, out *kernel.BufferDisplay, base string, pub publisher, logger *log.Logger) *Bridge {
	return &Bridge{
		it:     it,
		out:    out,
		topics: newTopics(base),
		pub:    pub,
		logger: logger,
		sem:    semaphore.NewWeighted(1),
	}
}

// HandleMessage routes one incoming message.
func (b *Bridge) HandleMessage(topic string, payload []byte) {
	b.logger.Printf("Received message on topic '%s' (%d bytes)", topic, len(payload))

	switch topic {
	case b.topics.Base:
		b.publishJSON(b.topics.Status, b.Status())
	case b.topics.Cell:
		b.submit(payload)
	case b.topics.Interrupt:
		if id := b.Interrupt(); id != "" {
			b.logger.Printf("Interrupting cell %s", id)
		}
	default:
		b.logger.Printf("Ignoring message on unexpected topic: %s", topic)
	}
}

// Status reports whether a cell is running and what the session is
// connected to.
func (b *Bridge) Status() StatusResponse {
	b.mu.Lock()
	running := b.running
	b.mu.Unlock()

	var names []string
	for _, c := range b.it.Commands() {
		names = append(names, c.Name)
	}

	session := b.it.Session()
	resp := StatusResponse{
		Status:            "idle",
		Connected:         session.Connected(),
		Device:            session.Description(),
		Running:           running,
		AvailableCommands: names,
		Timestamp:         time.Now().Format(time.RFC3339),
	}
	if running != "" {
		resp.Status = statusBusy
	}
	return resp
}

// Interrupt cancels the running cell and returns its id, or "" when no cell
// is running.
func (b *Bridge) Interrupt() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
	}
	return b.running
}

// Wait blocks until the running cell, if any, has finished.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) submit(payload []byte) {
	req, err := parseCellRequest(payload)
	if err != nil {
		b.logger.Printf("Rejected cell: %v", err)
		b.publishJSON(b.topics.Result, CellResult{ID: req.ID, Status: "rejected", Errors: err.Error()})
		return
	}

	if !b.sem.TryAcquire(1) {
		b.mu.Lock()
		running := b.running
		b.mu.Unlock()
		b.publishJSON(b.topics.Result, CellResult{
			ID:     req.ID,
			Status: statusBusy,
			Errors: "cell " + running + " is still running",
		})
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b.mu.Lock()
	b.running, b.cancel = req.ID, cancel
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)

		result := b.run(ctx, req)

		b.mu.Lock()
		b.running, b.cancel = "", nil
		b.mu.Unlock()
		cancel()

		b.publishJSON(b.topics.Result, result)
	}()
}

func (b *Bridge) run(ctx context.Context, req CellRequest) CellResult {
	b.out.Reset()
	start := time.Now()
	outcome := b.it.RunCell(ctx, req.Cell, req.Silent)
	b.logger.Printf("Cell %s finished %s in %v", req.ID, outcome, time.Since(start).Round(time.Millisecond))

	return CellResult{
		ID:     req.ID,
		Status: outcome.String(),
		Output: b.out.String(),
		Errors: b.out.Errors(),
	}
}

func (b *Bridge) publishJSON(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Printf("Error marshaling result: %v", err)
		return
	}
	if err := b.pub.Publish(topic, payload); err != nil {
		b.logger.Printf("Error publishing to topic '%s': %v", topic, err)
		return
	}
	b.logger.Printf("Published result to topic '%s'", topic)
}

// parseCellRequest accepts either a JSON CellRequest or plain cell text.
// A missing id is generated.
func parseCellRequest(payload []byte) (CellRequest, error) {
	var req CellRequest
	text := string(payload)
	if strings.HasPrefix(strings.TrimSpace(text), "{") {
		if err := json.Unmarshal(payload, &req); err != nil {
			return CellRequest{ID: uuid.NewString()}, errors.Wrap(err, "invalid cell request")
		}
	} else {
		req.Cell = text
	}

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := validateCellID(req.ID); err != nil {
		return CellRequest{ID: uuid.NewString()}, err
	}
	if err := validateCell(req.Cell); err != nil {
		return req, err
	}
	return req, nil
}
