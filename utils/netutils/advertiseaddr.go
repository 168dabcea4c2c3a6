/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package netutils

import (
	"net"
)

// IsInAddrAny reports whether addr is empty or an unspecified address that
// cannot be handed to other members.
func IsInAddrAny(addr string) bool {
	if addr == "" || addr == "::/0" {
		return true
	}

	ip := net.ParseIP(addr)
	return ip != nil && ip.IsUnspecified()
}

// GetOutboundIP returns the local address used to route traffic off-host.
// No packets are sent.
func GetOutboundIP() (net.IP, error) {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return nil, err
	}
	defer func() { _ = conn.Close() }()

	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// GetAdvertiseAddress picks the address a member advertises to its peers:
// the bind address when it is specific, otherwise the outbound address.
func GetAdvertiseAddress(bindAddress string) (string, error) {
	if !IsInAddrAny(bindAddress) {
		return bindAddress, nil
	}

	outboundIP, err := GetOutboundIP()
	if err != nil {
		return "", err
	}

	return outboundIP.String(), nil
}
