// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package sync

import (
	"context"
	"fmt"
	"sort"

	"github.com/matrix-org/gomatrixserverlib/spec"
	"golang.org/x/exp/maps"

	"github.com/meridian-im/syncd/syncapi/synctypes"
)

// addAccountData fills the global account_data section and returns the
// per-room account data for the materializers. On an incremental sync only
// entries set after the cursor are fetched, and the formatted push rules are
// injected only when they actually changed; a full fetch always carries them.
func (b *resultBuilder) addAccountData(ctx context.Context) (map[string]map[string]spec.RawJSON, error) {
	userID := b.req.device.UserID

	var global map[string]spec.RawJSON
	var byRoom map[string]map[string]spec.RawJSON
	var err error
	includePushRules := true
	if b.since != nil && !b.fullState {
		global, byRoom, err = b.snapshot.GetUpdatedAccountDataForUser(ctx, userID, b.since.AccountDataPosition)
		if err != nil {
			return nil, err
		}
		includePushRules, err = b.snapshot.HavePushRulesChangedForUser(ctx, userID, b.since.PushRulesPosition)
		if err != nil {
			return nil, err
		}
	} else {
		global, byRoom, err = b.snapshot.GetAccountDataForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	if global == nil {
		global = map[string]spec.RawJSON{}
	}
	if includePushRules {
		raw, err := b.snapshot.GetPushRulesForUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		formatted, err := b.rp.pushRules.FormatPushRulesForUser(userID, raw)
		if err != nil {
			return nil, fmt.Errorf("formatting push rules: %w", err)
		}
		global["m.push_rules"] = formatted
	}

	dataTypes := maps.Keys(global)
	sort.Strings(dataTypes)
	filter := b.req.filter.AccountData
	for _, dataType := range dataTypes {
		if !filter.Match(dataType, "") {
			continue
		}
		if filter.Limit > 0 && len(b.res.AccountData.Events) >= filter.Limit {
			break
		}
		b.res.AccountData.Events = append(b.res.AccountData.Events, synctypes.ClientEvent{
			Type:    dataType,
			Content: global[dataType],
		})
	}
	return byRoom, nil
}

// roomAccountDataEvents renders one room's account data, tags first, shaped
// by the room account data filter.
func (b *resultBuilder) roomAccountDataEvents(roomID string, data map[string]spec.RawJSON) []synctypes.ClientEvent {
	if len(data) == 0 {
		return nil
	}
	filter := b.req.filter.Room.AccountData
	dataTypes := maps.Keys(data)
	sort.Strings(dataTypes)
	// Tags lead so clients apply room organisation before content.
	sort.SliceStable(dataTypes, func(i, j int) bool {
		return dataTypes[i] == "m.tag" && dataTypes[j] != "m.tag"
	})
	var events []synctypes.ClientEvent
	for _, dataType := range dataTypes {
		if !filter.Match(roomID, dataType, "") {
			continue
		}
		if filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
		events = append(events, synctypes.ClientEvent{
			Type:    dataType,
			Content: data[dataType],
		})
	}
	return events
}
