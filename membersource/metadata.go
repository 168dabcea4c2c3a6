/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package membersource

import (
	"encoding/json"
	"fmt"

	"github.com/couchbase/stellar-coordinator/clustering"
)

// MemberMeta is the meta-data each member publishes about itself.
type MemberMeta struct {
	Address string `json:"a"`
}

func EncodeMemberMeta(m clustering.Member) ([]byte, error) {
	return json.Marshal(&MemberMeta{
		Address: m.Address,
	})
}

func DecodeMember(entry *Entry) (clustering.Member, error) {
	var meta MemberMeta
	err := json.Unmarshal(entry.MetaData, &meta)
	if err != nil {
		return clustering.Member{}, fmt.Errorf("invalid meta-data for member %s: %w", entry.MemberID, err)
	}

	return clustering.Member{
		Name:    entry.MemberID,
		Address: meta.Address,
	}, nil
}
