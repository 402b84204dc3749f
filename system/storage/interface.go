// Copyright 2024 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

package storage

import "github.com/chiaracoetzee/pluralmatrix-sub000/system/api"

type Database interface {
	api.Repository
}
