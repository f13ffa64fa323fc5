package parse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkg/errors"

	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/transform"
	"github.com/ruthvik1904/kai-cyber-dashboard/pkg/types"
)

// ParseError is a malformed input document: invalid JSON or a structurally
// unexpected shape.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse document: %s", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// WorkerTransportError is a failure of the background channel itself,
// distinct from a parse failure reported over it.
type WorkerTransportError struct {
	Err error
}

func (e *WorkerTransportError) Error() string {
	return fmt.Sprintf("worker transport failure: %s", e.Err)
}

func (e *WorkerTransportError) Unwrap() error {
	return e.Err
}

type RequestType string

const (
	RequestParse RequestType = "PARSE_JSON"
	// RequestCancel is reserved in the protocol; workers currently ignore it.
	RequestCancel RequestType = "CANCEL"
)

type Request struct {
	Type RequestType
	Text string
}

type MessageType string

const (
	MessageProgress MessageType = "PROGRESS"
	MessageComplete MessageType = "COMPLETE"
	MessageError    MessageType = "ERROR"
)

// Message is one response on the worker channel: zero or more PROGRESS
// messages followed by exactly one terminal COMPLETE or ERROR.
type Message struct {
	Type     MessageType
	Progress int
	Total    int
	Records  []types.FlattenedVulnerability
	Err      string
}

// Worker is an isolated execution context for parsing. Terminate releases it
// and is safe to call more than once.
type Worker interface {
	Post(Request)
	Messages() <-chan Message
	Terminate()
}

// SpawnFunc creates a Worker, or reports that background execution is
// unavailable so parsing must proceed inline.
type SpawnFunc func() (Worker, error)

type options struct {
	spawn SpawnFunc
}

type Option interface {
	apply(*options)
}

type spawnOption SpawnFunc

func (o spawnOption) apply(opts *options) {
	opts.spawn = SpawnFunc(o)
}

func WithSpawn(f SpawnFunc) Option {
	return spawnOption(f)
}

// InBackground parses and flattens text in a worker so the caller is not
// blocked by large documents, forwarding worker progress to the sink. When
// no worker can be spawned it falls back to inline parsing with the same
// flattener, so both paths yield identical output.
func InBackground(text string, progress types.ProgressFunc, opts ...Option) ([]types.FlattenedVulnerability, error) {
	options := &options{
		spawn: SpawnWorker,
	}
	for _, o := range opts {
		o.apply(options)
	}

	w, err := options.spawn()
	if err != nil {
		slog.Warn("background worker unavailable, parsing inline", "err", err)
		return parseInline(text, progress)
	}
	defer w.Terminate()

	w.Post(Request{Type: RequestParse, Text: text})

	for msg := range w.Messages() {
		switch msg.Type {
		case MessageProgress:
			if progress != nil {
				progress(types.Progress{
					Stage:    types.StageParsing,
					Progress: msg.Progress,
					Total:    msg.Total,
					Message:  fmt.Sprintf("Parsing vulnerabilities: %d/%d", msg.Progress, msg.Total),
				})
			}
		case MessageComplete:
			return msg.Records, nil
		case MessageError:
			return nil, &ParseError{Err: errors.New(msg.Err)}
		}
	}

	return nil, &WorkerTransportError{Err: errors.New("worker channel closed without a terminal message")}
}

func parseInline(text string, progress types.ProgressFunc) ([]types.FlattenedVulnerability, error) {
	emit := func(p, total int, message string) {
		if progress != nil {
			progress(types.Progress{Stage: types.StageParsing, Progress: p, Total: total, Message: message})
		}
	}

	emit(0, 100, "Parsing JSON inline...")

	records, err := flatten(text, nil)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	emit(len(records), len(records), "Parsing complete")
	return records, nil
}

func flatten(text string, progress func(processed, total int)) ([]types.FlattenedVulnerability, error) {
	var doc types.Document
	if err := json.Unmarshal([]byte(text), &doc); err != nil {
		return nil, err
	}

	var opts []transform.Option
	if progress != nil {
		opts = append(opts, transform.WithProgress(progress))
	}
	return transform.Flatten(doc, opts...), nil
}

// SpawnWorker is the default SpawnFunc, backed by a goroutine and a buffered
// message channel.
func SpawnWorker() (Worker, error) {
	w := &goroutineWorker{
		reqs: make(chan Request, 1),
		msgs: make(chan Message, 64),
		done: make(chan struct{}),
	}
	go w.run()
	return w, nil
}

type goroutineWorker struct {
	reqs chan Request
	msgs chan Message
	done chan struct{}
	once sync.Once
}

func (w *goroutineWorker) Post(req Request) {
	select {
	case w.reqs <- req:
	case <-w.done:
	}
}

func (w *goroutineWorker) Messages() <-chan Message {
	return w.msgs
}

func (w *goroutineWorker) Terminate() {
	w.once.Do(func() {
		close(w.done)
	})
}

func (w *goroutineWorker) run() {
	defer close(w.msgs)

	for {
		select {
		case <-w.done:
			return
		case req := <-w.reqs:
			switch req.Type {
			case RequestParse:
				w.parse(req.Text)
				return
			case RequestCancel:
				// reserved
			}
		}
	}
}

func (w *goroutineWorker) parse(text string) {
	records, err := flatten(text, func(processed, total int) {
		w.send(Message{Type: MessageProgress, Progress: processed, Total: total})
	})
	if err != nil {
		w.send(Message{Type: MessageError, Err: err.Error()})
		return
	}

	w.send(Message{
		Type:     MessageComplete,
		Records:  records,
		Progress: len(records),
		Total:    len(records),
	})
}

func (w *goroutineWorker) send(m Message) {
	select {
	case w.msgs <- m:
	case <-w.done:
	}
}
