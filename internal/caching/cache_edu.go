// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package caching

import (
	"sync"
	"time"
)

const defaultTypingTimeout = 10 * time.Second

// TimeoutCallbackFn is called when a typing user expires out of the cache,
// so the notifier can wake pollers with the user no longer typing.
type TimeoutCallbackFn func(userID, roomID string, latestSyncPosition int64)

// EDUCache keeps track of who is typing in which room, with expiry. It owns
// the typing stream position: every mutation advances it.
type EDUCache struct {
	sync.RWMutex
	latestSyncPosition int64
	data               map[string]*roomData
	timeoutCallback    TimeoutCallbackFn
}

type roomData struct {
	syncPosition int64
	userSet      map[string]*time.Timer
}

// NewTypingCache returns an empty EDUCache.
func NewTypingCache() *EDUCache {
	return &EDUCache{data: make(map[string]*roomData)}
}

// SetTimeoutCallback sets a callback function that is called right after a
// user is removed from the cache because their typing state expired.
func (t *EDUCache) SetTimeoutCallback(fn TimeoutCallbackFn) {
	t.timeoutCallback = fn
}

// GetTypingUsers returns the list of users typing in a room.
func (t *EDUCache) GetTypingUsers(roomID string) []string {
	users, _ := t.GetTypingUsersIfUpdatedAfter(roomID, 0)
	// 0 should work above because the first position used is 1.
	return users
}

// GetTypingUsersIfUpdatedAfter returns the users typing in a room and true
// if the room's typing state has a position after the given one, otherwise
// nil and false.
func (t *EDUCache) GetTypingUsersIfUpdatedAfter(roomID string, position int64) (users []string, updated bool) {
	t.RLock()
	defer t.RUnlock()
	roomData, ok := t.data[roomID]
	if ok && roomData.syncPosition > position {
		updated = true
		userSet := roomData.userSet
		users = make([]string, 0, len(userSet))
		for userID := range userSet {
			users = append(users, userID)
		}
	}
	return
}

// AddTypingUser marks a user as typing until expire, or for the default
// timeout when expire is nil. Returns the typing stream position after the
// update; an already-expired time changes nothing and returns the current
// position.
func (t *EDUCache) AddTypingUser(userID, roomID string, expire *time.Time) int64 {
	expireTime := getExpireTime(expire)
	if until := time.Until(expireTime); until > 0 {
		timer := time.AfterFunc(until, func() {
			latestSyncPosition := t.RemoveUser(userID, roomID)
			if t.timeoutCallback != nil {
				t.timeoutCallback(userID, roomID, latestSyncPosition)
			}
		})
		return t.addUser(userID, roomID, timer)
	}
	return t.GetLatestSyncPosition()
}

// addUser with mutex lock and stops the timer of an existing entry so a
// refresh does not fire the old expiry.
func (t *EDUCache) addUser(userID, roomID string, expiryTimer *time.Timer) int64 {
	t.Lock()
	defer t.Unlock()

	t.latestSyncPosition++

	if t.data[roomID] == nil {
		t.data[roomID] = &roomData{userSet: make(map[string]*time.Timer)}
	}
	if timer, ok := t.data[roomID].userSet[userID]; ok {
		timer.Stop()
	}
	t.data[roomID].userSet[userID] = expiryTimer
	t.data[roomID].syncPosition = t.latestSyncPosition

	return t.latestSyncPosition
}

// RemoveUser removes a user from the typing set of a room. Returns the
// typing stream position after the removal; removing an absent user changes
// nothing and returns the current position.
func (t *EDUCache) RemoveUser(userID, roomID string) int64 {
	t.Lock()
	defer t.Unlock()

	roomData, ok := t.data[roomID]
	if !ok {
		return t.latestSyncPosition
	}
	timer, ok := roomData.userSet[userID]
	if !ok {
		return t.latestSyncPosition
	}
	timer.Stop()
	delete(roomData.userSet, userID)

	t.latestSyncPosition++
	t.data[roomID].syncPosition = t.latestSyncPosition

	return t.latestSyncPosition
}

// GetLatestSyncPosition returns the typing stream's current position.
func (t *EDUCache) GetLatestSyncPosition() int64 {
	t.Lock()
	defer t.Unlock()
	return t.latestSyncPosition
}

func getExpireTime(expire *time.Time) time.Time {
	if expire != nil {
		return *expire
	}
	return time.Now().Add(defaultTypingTimeout)
}
