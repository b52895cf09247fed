// Copyright (C) 2017 The Syncthing Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package connections

import (
	"net"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/syncthing/peercore/lib/config"
	"github.com/syncthing/peercore/lib/osutil"
)

const lanCacheSize = 1024

// LANClassifier decides whether addresses are on a local network. Results
// are cached per IP until the configuration changes.
type LANClassifier struct {
	cfg     *config.Wrapper
	cache   *lru.Cache[string, bool]
	getLans func() ([]*net.IPNet, error)
}

func NewLANClassifier(cfg *config.Wrapper) *LANClassifier {
	cache, _ := lru.New[string, bool](lanCacheSize) // only errors on size <= 0
	c := &LANClassifier{
		cfg:     cfg,
		cache:   cache,
		getLans: osutil.GetLans,
	}
	cfg.Subscribe(c)
	return c
}

func (c *LANClassifier) IsLANHost(host string) bool {
	// Probably we are called with an ip:port combo which we can resolve as
	// a TCP address.
	if addr, err := net.ResolveTCPAddr("tcp", host); err == nil {
		return c.IsLAN(addr)
	}
	// ... but allow just an IP as well.
	if addr, err := net.ResolveIPAddr("ip", host); err == nil {
		return c.IsLAN(addr)
	}
	return false
}

func (c *LANClassifier) IsLAN(addr net.Addr) bool {
	var ip net.IP

	switch addr := addr.(type) {
	case *net.IPAddr:
		ip = addr.IP
	case *net.TCPAddr:
		ip = addr.IP
	case *net.UDPAddr:
		ip = addr.IP
	default:
		// net.Pipe and Unix sockets.
		return false
	}

	key := ip.String()
	if lan, ok := c.cache.Get(key); ok {
		return lan
	}
	lan := c.isLANIP(ip)
	c.cache.Add(key, lan)
	return lan
}

func (c *LANClassifier) isLANIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}

	for _, lan := range c.cfg.Options().AlwaysLocalNets {
		_, ipnet, err := net.ParseCIDR(lan)
		if err != nil {
			l.Debugln("Network", lan, "is malformed:", err)
			continue
		}
		if ipnet.Contains(ip) {
			return true
		}
	}

	lans, _ := c.getLans()
	for _, lan := range lans {
		if lan.Contains(ip) {
			return true
		}
	}

	return false
}

func (c *LANClassifier) VerifyConfiguration(_, _ config.Configuration) error {
	return nil
}

func (c *LANClassifier) CommitConfiguration(_, _ config.Configuration) bool {
	c.cache.Purge()
	return true
}

func (c *LANClassifier) String() string {
	return "LANClassifier"
}
