// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package util

import (
	"fmt"
	"strings"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"maunium.net/go/mautrix/id"
)

// NormalizeUserID trims whitespace and lowercases a full Matrix user ID. Account
// identifiers are stored and cached in this form so that lookups coming from the
// homeserver's send path and from appservice transactions agree.
func NormalizeUserID(userID id.UserID) id.UserID {
	return id.UserID(strings.ToLower(strings.TrimSpace(string(userID))))
}

// QualifyUserID turns user input such as "bob", "@bob" or "@bob:example.org" into a
// validated, normalised Matrix user ID. Bare localparts are qualified with the given
// server name.
func QualifyUserID(input string, serverName spec.ServerName) (id.UserID, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", fmt.Errorf("empty user ID")
	}
	if !strings.HasPrefix(input, "@") {
		input = "@" + input
	}
	if !strings.Contains(input, ":") {
		input = input + ":" + string(NormalizeServerName(serverName))
	}
	userID, err := spec.NewUserID(input, true)
	if err != nil {
		return "", fmt.Errorf("invalid user ID %q: %w", input, err)
	}
	return NormalizeUserID(id.UserID(userID.String())), nil
}

// MaskUserID obfuscates the localpart of a Matrix ID for privacy-safe logging,
// e.g. "@alice:example.com" becomes "@al...:example.com".
func MaskUserID(userID id.UserID) string {
	if userID == "" {
		return "unknown"
	}
	local, domain, found := strings.Cut(string(userID), ":")
	if !found {
		return string(userID)
	}
	if len(local) > 4 {
		local = local[:3] + "..."
	}
	return local + ":" + domain
}

// NormalizeServerName trims whitespace and lowercases a server name. Domain
// names are case-insensitive, so this is the stored form.
func NormalizeServerName(name spec.ServerName) spec.ServerName {
	return spec.ServerName(strings.ToLower(strings.TrimSpace(string(name))))
}
