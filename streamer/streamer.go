// Package streamer fans values out from one producer to any number of subscribed clients.
// A client that falls behind misses values instead of stalling the producer.
package streamer

import (
	"context"
	"sync"
)

type Client[T any] struct {
	streamer *Streamer[T]
	input    chan<- *T
	C        <-chan *T
}

// Close unsubscribes the client. C is closed once the streamer has let go of it.
func (c *Client[T]) Close() {
	for {
		select {
		case _, ok := <-c.C:
			if !ok {
				return
			}
		case c.streamer.remove <- c:
		}
	}
}

type Streamer[T any] struct {
	mu        sync.Mutex
	isRunning bool
	clients   map[*Client[T]]bool
	add       chan *Client[T]
	remove    chan *Client[T]
	broadcast chan *T
	done      chan struct{}
	dropped   int
}

func NewStreamer[T any](buffSize int) *Streamer[T] {
	return &Streamer[T]{
		clients:   make(map[*Client[T]]bool),
		add:       make(chan *Client[T]),
		remove:    make(chan *Client[T]),
		broadcast: make(chan *T, buffSize),
		done:      make(chan struct{}),
	}
}

// NewClient subscribes a client with room for buffSize pending values. It returns nil once the
// streamer has stopped.
func (m *Streamer[T]) NewClient(buffSize int) *Client[T] {
	ch := make(chan *T, buffSize)
	c := &Client[T]{
		streamer: m,
		input:    ch,
		C:        ch,
	}
	select {
	case m.add <- c:
		return c
	case <-m.done:
		return nil
	}
}

// Broadcast queues data for every client. It reports false when the streamer is not running
// or its queue is full.
func (m *Streamer[T]) Broadcast(data *T) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.isRunning {
		return false
	}
	select {
	case m.broadcast <- data:
		return true
	default:
		return false
	}
}

// Dropped counts values a slow client missed.
func (m *Streamer[T]) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// Run serves clients until ctx is done, then closes every client channel.
func (m *Streamer[T]) Run(ctx context.Context) {
	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.isRunning = false
		m.mu.Unlock()
		close(m.done)
		for client := range m.clients {
			close(client.input)
		}
		clear(m.clients)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-m.add:
			m.clients[client] = true
		case client := <-m.remove:
			if _, ok := m.clients[client]; ok {
				delete(m.clients, client)
				close(client.input)
			}
		case chunk := <-m.broadcast:
			for client := range m.clients {
				select {
				case client.input <- chunk:
				default:
					m.mu.Lock()
					m.dropped++
					m.mu.Unlock()
				}
			}
		}
	}
}
