// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"net"
	"testing"
)

func TestLANClassifier(t *testing.T) {
	cfg := testConfig("AAAA", "alice")
	opts := cfg.Options()
	opts.AlwaysLocalNets = []string{"10.20.0.0/16", "not a network"}
	if err := cfg.SetOptions(opts); err != nil {
		t.Fatal(err)
	}

	c := NewLANClassifier(cfg)
	_, lan, _ := net.ParseCIDR("192.168.1.0/24")
	calls := 0
	c.getLans = func() ([]*net.IPNet, error) {
		calls++
		return []*net.IPNet{lan}, nil
	}

	cases := []struct {
		host string
		lan  bool
	}{
		{"127.0.0.1:22000", true},
		{"[::1]:22000", true},
		{"10.20.30.40:1337", true},
		{"10.21.30.40:1337", false},
		{"192.168.1.17:1337", true},
		{"192.168.2.17:1337", false},
		{"192.168.1.18", true},
		{"8.8.8.8:53", false},
	}
	for _, tc := range cases {
		if res := c.IsLANHost(tc.host); res != tc.lan {
			t.Errorf("IsLANHost(%q) = %v, expected %v", tc.host, res, tc.lan)
		}
	}

	if c.IsLAN(pipeAddr{}) {
		t.Error("non-IP address considered LAN")
	}

	// Cached, until the configuration changes.
	before := calls
	c.IsLANHost("192.168.1.17:1")
	if calls != before {
		t.Error("cached result not used")
	}
	c.CommitConfiguration(cfg.RawCopy(), cfg.RawCopy())
	c.IsLANHost("192.168.1.17:1")
	if calls != before+1 {
		t.Error("cache not purged on configuration change")
	}
}

type pipeAddr struct{}

func (pipeAddr) Network() string { return "pipe" }
func (pipeAddr) String() string  { return "pipe" }
