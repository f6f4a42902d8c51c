package engine

import "sync"

const (
	// subscriberBufferSize is the channel buffer for each log subscriber.
	// Lines are dropped if a subscriber falls this far behind.
	subscriberBufferSize = 64

	// backlogSize is how many recent lines a topic keeps for late subscribers.
	backlogSize = 32
)

// LogBroker fans out worker log lines per task to subscribers. It is safe for
// concurrent use.
//
// Subscribers first receive up to backlogSize recent lines, then live lines.
// Closed topics are kept as markers so that subscribers arriving after a task
// finished get the backlog followed by a closed channel; Forget drops them
// once the task record is gone.
type LogBroker struct {
	mu     sync.Mutex
	topics map[string]*logTopic
}

type logTopic struct {
	subs    map[int]chan string
	nextID  int
	backlog []string
	closed  bool
}

// NewLogBroker creates a new log broker.
func NewLogBroker() *LogBroker {
	return &LogBroker{
		topics: make(map[string]*logTopic),
	}
}

func (b *LogBroker) topic(taskID string) *logTopic {
	t, ok := b.topics[taskID]
	if !ok {
		t = &logTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}
	return t
}

// Subscribe returns a channel that receives log lines for the given task and
// an unsubscribe function. If the task has already finished the channel holds
// the backlog and is closed.
func (b *LogBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(taskID)

	ch := make(chan string, subscriberBufferSize+backlogSize)
	for _, line := range t.backlog {
		ch <- line
	}
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a log line to all subscribers of the given task. Lines are
// dropped for subscribers whose buffers are full.
func (b *LogBroker) Publish(taskID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(taskID)
	if t.closed {
		return
	}

	t.backlog = append(t.backlog, line)
	if len(t.backlog) > backlogSize {
		t.backlog = t.backlog[len(t.backlog)-backlogSize:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
			// Never block the worker's log stream on a slow reader.
		}
	}
}

// Close signals that no more lines will be published for the given task.
// All subscriber channels are closed.
func (b *LogBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(taskID)
	t.closed = true
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Forget drops a closed topic and its backlog. Open topics are kept.
func (b *LogBroker) Forget(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.topics[taskID]; ok && t.closed {
		delete(b.topics, taskID)
	}
}

// Exists reports whether anything was published or subscribed for taskID.
func (b *LogBroker) Exists(taskID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.topics[taskID]
	return ok
}
