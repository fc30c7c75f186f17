package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strings"
	"testing"
	"time"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	req := ControlRequest{
		Type:  MsgTypeSubmit,
		JobID: "01ARZ3NDEKTSV4RRFFQ69G5FAV",
		Graph: map[string]any{"sampler": "euler"},
	}
	if err := WriteMessage(&buf, &req); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	// 4-byte big-endian prefix followed by exactly that many payload bytes.
	prefix := binary.BigEndian.Uint32(buf.Bytes()[:4])
	if int(prefix) != buf.Len()-4 {
		t.Errorf("length prefix = %d, payload = %d bytes", prefix, buf.Len()-4)
	}

	var got ControlRequest
	if err := ReadMessage(&buf, &got); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if got.Type != req.Type || got.JobID != req.JobID {
		t.Errorf("roundtrip = %+v, want %+v", got, req)
	}
}

func TestWriteMessageRejectsOversizedPayload(t *testing.T) {
	// Base64 expansion pushes the marshaled frame past the ceiling.
	ev := Event{Type: EventOutput, Data: make([]byte, MaxMessageSize)}
	err := WriteMessage(&bytes.Buffer{}, &ev)
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("WriteMessage oversized = %v, want size error", err)
	}
}

func TestReadMessageRejectsOversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(MaxMessageSize+1))
	var v Event
	err := ReadMessage(&buf, &v)
	if err == nil || !strings.Contains(err.Error(), "exceeds maximum") {
		t.Fatalf("ReadMessage oversized = %v, want size error", err)
	}
}

func TestReadMessageTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(64))
	buf.WriteString(`{"type":`)
	var v Event
	if err := ReadMessage(&buf, &v); err == nil {
		t.Fatal("ReadMessage on truncated frame succeeded, want error")
	}
}

func TestControlConnSubmitAndPing(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	go func() {
		for {
			var req ControlRequest
			if err := ReadMessage(server, &req); err != nil {
				return
			}
			switch req.Type {
			case MsgTypePing:
				WriteMessage(server, &ControlResponse{Type: MsgTypePong})
			case MsgTypeSubmit:
				WriteMessage(server, &ControlResponse{
					Type:   MsgTypeSubmitResult,
					JobID:  req.JobID,
					Reason: "queue full",
				})
			}
		}
	}()

	cc := &ControlConn{conn: client}
	defer cc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := cc.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	accepted, reason, err := cc.Submit(ctx, "job-1", map[string]any{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if accepted || reason != "queue full" {
		t.Errorf("Submit = (%v, %q), want rejection with reason", accepted, reason)
	}
}

func TestDialEventsHandshake(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	subs := make(chan SubscribeRequest, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var sub SubscribeRequest
		if err := ReadMessage(conn, &sub); err != nil {
			return
		}
		subs <- sub
		WriteMessage(conn, &Welcome{Type: MsgTypeWelcome, SID: "sub-1"})
		WriteMessage(conn, &Event{Type: EventProgress, JobID: "job-1", Value: 1, Max: 4})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d := Dialer{MaxRetries: 1, RetryDelay: time.Millisecond}
	ec, err := d.DialEvents(ctx, ln.Addr().String(), "easel-test")
	if err != nil {
		t.Fatalf("DialEvents: %v", err)
	}
	defer ec.Close()

	sub := <-subs
	if sub.Type != MsgTypeSubscribe || sub.ClientID != "easel-test" {
		t.Errorf("subscribe frame = %+v", sub)
	}
	if ec.SID() != "sub-1" {
		t.Errorf("SID = %q, want sub-1", ec.SID())
	}

	ev, err := ec.Next()
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if ev.Type != EventProgress || ev.JobID != "job-1" || ev.Value != 1 || ev.Max != 4 {
		t.Errorf("event = %+v, want progress 1/4 for job-1", ev)
	}
}

func TestDialRetryGivesUp(t *testing.T) {
	// Grab a port with no listener behind it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	d := Dialer{MaxRetries: 2, RetryDelay: time.Millisecond}
	_, err = d.DialControl(context.Background(), addr)
	if err == nil || !strings.Contains(err.Error(), "after 2 attempts") {
		t.Fatalf("DialControl = %v, want exhaustion after 2 attempts", err)
	}
}

func TestDialRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := Dialer{MaxRetries: 10, RetryDelay: time.Second}
	_, err := d.DialControl(ctx, "127.0.0.1:1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("DialControl on cancelled context = %v, want context.Canceled", err)
	}
}
