// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package system

import (
	"github.com/chiaracoetzee/pluralmatrix-sub000/internal/caching"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/api"
	"github.com/chiaracoetzee/pluralmatrix-sub000/system/internal"
)

// NewInternalAPI returns a concrete implementation of the system service.
func NewInternalAPI(db api.Repository, cache *caching.ProxyRuleCache, profiles api.ProfileSync, notifier api.Notifier) api.SystemInternalAPI {
	return &internal.SystemInternalAPI{
		DB:       db,
		Cache:    cache,
		Profiles: profiles,
		Notifier: notifier,
	}
}
