// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package internal

import (
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/tidwall/gjson"
)

// emptyRuleSets is what a user without any stored push rules sees: every
// scope present, every kind empty, so clients never special-case a missing
// section.
const emptyRuleSets = `{"global":{"content":[],"override":[],"room":[],"sender":[],"underride":[]}}`

// PushRulesFormatter renders stored push rules into the account data shape
// the sync response carries.
type PushRulesFormatter struct{}

// FormatPushRulesForUser normalises raw stored rules: nothing stored yields
// the empty rule sets, and a bare rule set gets wrapped into its scope.
func (f *PushRulesFormatter) FormatPushRulesForUser(userID string, raw spec.RawJSON) (spec.RawJSON, error) {
	if len(raw) == 0 {
		return spec.RawJSON(emptyRuleSets), nil
	}
	if gjson.GetBytes(raw, "global").Exists() {
		return raw, nil
	}
	wrapped := append([]byte(`{"global":`), raw...)
	wrapped = append(wrapped, '}')
	return spec.RawJSON(wrapped), nil
}
