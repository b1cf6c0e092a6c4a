package transports

import (
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/rekrut/pkg/errorsx"
	"github.com/harunnryd/rekrut/pkg/frames"
	"github.com/harunnryd/rekrut/pkg/interview"
)

func TestPipeDropsWhenFullAndKeepsOrder(t *testing.T) {
	p := NewPipe("test", 2, nil)
	var drops int64
	p.OnDrop = func(total int64) { drops = total }
	for i := uint64(1); i <= 3; i++ {
		p.Deliver(frames.NewMulawFrame(i, time.Now(), nil))
	}
	if p.Dropped() != 1 || drops != 1 {
		t.Fatalf("expected one drop, got %d", p.Dropped())
	}
	if f := <-p.Inbound(); f.Seq != 1 {
		t.Fatalf("expected seq 1 first, got %d", f.Seq)
	}
	if f := <-p.Inbound(); f.Seq != 2 {
		t.Fatalf("expected seq 2 second, got %d", f.Seq)
	}
}

func TestPipeEndOnce(t *testing.T) {
	p := NewPipe("test", 1, nil)
	first := &errorsx.TransportError{Transport: "test", Op: "read", Err: errors.New("reset")}
	if !p.End(first) || p.End(nil) {
		t.Fatalf("expected only the first End to win")
	}
	<-p.Done()
	if _, ok := <-p.Inbound(); ok {
		t.Fatalf("inbound must be closed")
	}
	if !errorsx.SessionFatal(p.Err()) {
		t.Fatalf("expected transport error, got %v", p.Err())
	}
	if p.Deliver(frames.AudioFrame{}) {
		t.Fatalf("deliver after end must fail")
	}
}

func TestSessionConfigValidate(t *testing.T) {
	web := SessionConfig{Kind: interview.KindWeb, Room: &RoomDescriptor{Room: "r1", Token: "tok"}}
	if err := web.Validate(); err != nil || web.ExternalID() != "r1" {
		t.Fatalf("unexpected web config result %v %q", err, web.ExternalID())
	}
	phone := SessionConfig{Kind: interview.KindPhone, CallLeg: &CallLeg{CallSID: "CA1", Direction: "outbound-api"}}
	if err := phone.Validate(); err != nil || phone.ExternalID() != "CA1" || phone.Direction() != "outbound-api" {
		t.Fatalf("unexpected phone config result %v", err)
	}
	if err := (SessionConfig{Kind: interview.KindWeb}).Validate(); err == nil {
		t.Fatalf("web without room must fail")
	}
	if err := (SessionConfig{}).Validate(); err == nil {
		t.Fatalf("missing kind must fail")
	}
}
