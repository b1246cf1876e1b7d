package timing

import (
	"testing"
	"time"
)

func TestTimer(t *testing.T) {
	timer := NewTimer()

	timer.StartDNS()
	time.Sleep(10 * time.Millisecond)
	timer.EndDNS()

	timer.StartTCP()
	time.Sleep(10 * time.Millisecond)
	timer.EndTCP()

	timer.StartProxy()
	time.Sleep(10 * time.Millisecond)
	timer.EndProxy()

	timer.StartWait()
	time.Sleep(20 * time.Millisecond)
	timer.EndWait()

	metrics := timer.GetMetrics()

	if metrics.DNSLookup < 10*time.Millisecond {
		t.Errorf("unexpected DNS timing: %v", metrics.DNSLookup)
	}
	if metrics.TCPConnect < 10*time.Millisecond {
		t.Errorf("unexpected TCP timing: %v", metrics.TCPConnect)
	}
	if metrics.ProxyConnect < 10*time.Millisecond {
		t.Errorf("unexpected proxy timing: %v", metrics.ProxyConnect)
	}
	if metrics.TLSHandshake != 0 {
		t.Errorf("TLS never started, got %v", metrics.TLSHandshake)
	}
	if metrics.Wait < 20*time.Millisecond {
		t.Errorf("unexpected wait timing: %v", metrics.Wait)
	}
	if metrics.TotalTime < 50*time.Millisecond {
		t.Errorf("total timing should cover all phases, got %v", metrics.TotalTime)
	}
}

func TestMetricsCalculations(t *testing.T) {
	metrics := Metrics{
		DNSLookup:    10 * time.Millisecond,
		TCPConnect:   20 * time.Millisecond,
		ProxyConnect: 5 * time.Millisecond,
		TLSHandshake: 30 * time.Millisecond,
		Wait:         40 * time.Millisecond,
		TotalTime:    150 * time.Millisecond,
	}

	if got := metrics.GetConnectionTime(); got != 65*time.Millisecond {
		t.Errorf("expected connection time 65ms, got %v", got)
	}

	exchange := Metrics{Wait: 7 * time.Millisecond}.Add(metrics)
	if exchange.Wait != 7*time.Millisecond {
		t.Errorf("Add must not touch the exchange wait time, got %v", exchange.Wait)
	}
	if exchange.TLSHandshake != 30*time.Millisecond {
		t.Errorf("expected TLS handshake to be folded in, got %v", exchange.TLSHandshake)
	}

	if metrics.String() == "" {
		t.Error("String() should not be empty")
	}
}
