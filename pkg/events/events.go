// Copyright 2025 The fawa Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package events publishes admission events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/fawa-io/uploadgate/pkg/fwlog"
)

const (
	defaultBuffer = 1024

	// TypeUploadAdmitted is the routing key and message type of Admitted.
	TypeUploadAdmitted = "upload.admitted"
)

// Admitted is emitted after an upload was admitted and charged.
type Admitted struct {
	ID          uuid.UUID `json:"eventId"`
	Timestamp   time.Time `json:"timestamp"`
	UserID      string    `json:"userId"`
	Key         string    `json:"key"`
	Size        uint64    `json:"size"`
	ContentType string    `json:"contentType"`
	DailyTotal  uint64    `json:"dailyTotal"`
	GlobalTotal uint64    `json:"globalTotal"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Admitted)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Admitted) {}

// channel is the subset of *amqp.Channel the publisher needs.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Options configures a RabbitMQ publisher.
type Options struct {
	URL        string
	Exchange   string
	RoutingKey string
	Buffer     int
}

// RabbitMQ queues events on a buffered channel and publishes them from
// Run. When the buffer is full the event is dropped.
type RabbitMQ struct {
	opts Options
	conn *amqp.Connection
	ch   channel
	in   chan Admitted
}

func newRabbitMQ(opts Options, ch channel) *RabbitMQ {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.RoutingKey == "" {
		opts.RoutingKey = TypeUploadAdmitted
	}
	return &RabbitMQ{opts: opts, ch: ch, in: make(chan Admitted, opts.Buffer)}
}

// Dial connects to the broker and declares the topic exchange.
func Dial(ctx context.Context, opts Options) (*RabbitMQ, error) {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	conn, err := amqp.DialConfig(opts.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp.Table{
			"connection_name": "uploadgate",
		},
		Dial: func(network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, addr)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	r := newRabbitMQ(opts, ch)
	r.conn = conn
	if err := r.declare(); err != nil {
		_ = r.Close()
		return nil, err
	}
	fwlog.Info("rabbitmq connected successfully")
	return r, nil
}

func (r *RabbitMQ) declare() error {
	if err := r.ch.ExchangeDeclare(r.opts.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", r.opts.Exchange, err)
	}
	return nil
}

// Publish implements the Publisher interface.
func (r *RabbitMQ) Publish(e Admitted) {
	select {
	case r.in <- e:
	default:
		fwlog.Warnf("event buffer full, dropping %s event %s", TypeUploadAdmitted, e.ID)
	}
}

// Run publishes queued events until ctx is done. Events still buffered at
// that point are lost.
func (r *RabbitMQ) Run(ctx context.Context) error {
	fwlog.Info("starting publisher worker")
	defer fwlog.Info("publisher worker gracefully stopped")

	for {
		select {
		case e := <-r.in:
			if err := r.publish(ctx, e); err != nil {
				fwlog.Errorf("mq publish error: %v", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *RabbitMQ) publish(ctx context.Context, e Admitted) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return r.ch.PublishWithContext(ctx, r.opts.Exchange, r.opts.RoutingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID.String(),
		Timestamp:    e.Timestamp,
		Type:         TypeUploadAdmitted,
		Body:         b,
	})
}

// Close closes the channel and the connection.
func (r *RabbitMQ) Close() error {
	err := r.ch.Close()
	if r.conn != nil {
		if cerr := r.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
