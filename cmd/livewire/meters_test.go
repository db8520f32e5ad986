package main

import (
	"strings"
	"testing"
	"time"

	"LiveWire-Runtime/internal/config"
	"LiveWire-Runtime/internal/core/address"
	"LiveWire-Runtime/internal/core/network"
	"LiveWire-Runtime/internal/core/shm"
	"LiveWire-Runtime/internal/livestream"
	"LiveWire-Runtime/internal/port"
)

func TestMeterBankRegistersEveryMeter(t *testing.T) {
	ps := network.NewMemoryPubSub()
	cfg := config.Default()
	p, closePort, err := openPort(ps, cfg, port.SideA)
	if err != nil {
		t.Fatalf("open port: %v", err)
	}
	defer closePort()

	reg := shm.NewRegistry("")
	defer reg.Close()
	b, err := livestream.NewBroadcaster(p.Channel(cfg.LiveStream.Channel), reg)
	if err != nil {
		t.Fatalf("broadcaster: %v", err)
	}
	defer b.Close()

	bank := newMeterBank(time.Now())
	bank.register(b)
	if err := b.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if st := b.Stats(); st.Packages != 4 || st.Version != 1 || st.FramesWritten != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	for _, a := range bank.addresses() {
		_, raw, _ := strings.Cut(a, "/")
		if _, err := address.Parse(raw); err != nil {
			t.Fatalf("address %q does not parse: %v", a, err)
		}
	}
}
