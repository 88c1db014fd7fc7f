// Copyright 2024 Meridian IM Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Meridian-Commercial
// Please see LICENSE files in the repository root for full details.

package notifier

import (
	"context"
	"sync"
	"time"

	"github.com/matrix-org/gomatrixserverlib/spec"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-im/syncd/syncapi/storage"
	"github.com/meridian-im/syncd/syncapi/types"
)

// Notifier will wake up sleeping requests when there is some new data.
// It does not tell requests what that data is, only the sync position which
// they can use to get at it. This is done to prevent races whereby we tell the caller
// the event, but the token has already advanced by the time they fetch it, resulting
// in missed events.
type Notifier struct {
	lock *sync.RWMutex
	// A map of RoomID => Set<UserID>: users in each room.
	roomIDToJoinedUsers map[string]*userIDSet
	// The latest sync position
	currPos types.StreamingToken
	// A map of user_id => device_id => UserDeviceStream which can be used to
	// wake a given user's /sync request.
	userDeviceStreams map[string]map[string]*UserDeviceStream
	// The last time we cleaned out stale entries from the userStreams map
	lastCleanUpTime time.Time
	// This map is reused to prevent allocations and GC pressure in SharedUsers.
	_sharedUserMap map[string]struct{}
}

// NewNotifier creates a new notifier. In order for this to be of any use,
// the notifier needs to be told the joined users within each room by
// calling Notifier.Load(*storage.Database), and the latest sync position
// by calling SetCurrentPosition.
func NewNotifier() *Notifier {
	return &Notifier{
		roomIDToJoinedUsers: make(map[string]*userIDSet),
		userDeviceStreams:   make(map[string]map[string]*UserDeviceStream),
		lock:                &sync.RWMutex{},
		lastCleanUpTime:     time.Now(),
		_sharedUserMap:      map[string]struct{}{},
	}
}

// SetCurrentPosition sets the current streaming positions.
// This must be called directly after NewNotifier and initialising the streams.
func (n *Notifier) SetCurrentPosition(currPos types.StreamingToken) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.currPos = currPos
}

// OnNewEvent is called when a new event is received from the room server. Must only be
// called from a single goroutine, to avoid races between updates which could set the
// current sync position incorrectly.
// Chooses which user sync streams to update by a provided event
// (based on the users in the event's room),
// a roomID directly, or a list of user IDs, prioritised by parameter ordering.
// posUpdate contains the latest position(s) for one or more types of events.
// If a position in posUpdate is 0, it means no updates are available of that type.
// Typically a consumer supplies a posUpdate with the latest sync position for the
// event type it handles, leaving other fields as 0.
func (n *Notifier) OnNewEvent(
	ev *types.StreamEvent, roomID string, userIDs []string,
	posUpdate types.StreamingToken,
) {
	// update the current position then notify relevant /sync streams.
	// This needs to be done PRIOR to waking up users as they will read this value.
	n.lock.Lock()
	defer n.lock.Unlock()
	n.currPos = n.currPos.ApplyUpdates(posUpdate)
	n.removeEmptyUserStreams()

	if ev != nil {
		// Map this event's room_id to a list of joined users, and wake them up.
		usersToNotify := n.joinedUsers(ev.RoomID)
		// If this is an invite, also add in the invitee to this list.
		if ev.Type == spec.MRoomMember && ev.StateKey != nil {
			targetUserID := *ev.StateKey
			// Keep the joined user map up-to-date
			switch ev.Membership() {
			case spec.Invite:
				usersToNotify = append(usersToNotify, targetUserID)
			case spec.Join:
				// Manually append the new user's ID so they get notified
				// along all members in the room
				usersToNotify = append(usersToNotify, targetUserID)
				n.addJoinedUser(ev.RoomID, targetUserID)
			case spec.Leave, spec.Ban:
				usersToNotify = append(usersToNotify, targetUserID)
				n.removeJoinedUser(ev.RoomID, targetUserID)
			}
		}

		n.wakeupUsers(usersToNotify, n.currPos)
	} else if roomID != "" {
		n.wakeupUsers(n.joinedUsers(roomID), n.currPos)
	} else if len(userIDs) > 0 {
		n.wakeupUsers(userIDs, n.currPos)
	} else {
		log.WithFields(log.Fields{
			"posUpdate": posUpdate.String(),
		}).Warn("Notifier.OnNewEvent called but caller supplied no user to wake up")
	}
}

// OnNewTyping wakes up the joined users of the room where the typing
// notification happened.
func (n *Notifier) OnNewTyping(
	roomID string,
	posUpdate types.StreamingToken,
) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.currPos = n.currPos.ApplyUpdates(posUpdate)
	n.wakeupUsers(n.joinedUsers(roomID), n.currPos)
}

// OnNewReceipt updates the current position and wakes up the room.
func (n *Notifier) OnNewReceipt(
	roomID string,
	posUpdate types.StreamingToken,
) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.currPos = n.currPos.ApplyUpdates(posUpdate)
	n.wakeupUsers(n.joinedUsers(roomID), n.currPos)
}

// OnNewAccountData wakes up only the user the account data belongs to.
func (n *Notifier) OnNewAccountData(
	userID string,
	posUpdate types.StreamingToken,
) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.currPos = n.currPos.ApplyUpdates(posUpdate)
	n.wakeupUsers([]string{userID}, n.currPos)
}

// OnNewPushRules wakes up only the user whose push rules changed.
func (n *Notifier) OnNewPushRules(
	userID string,
	posUpdate types.StreamingToken,
) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.currPos = n.currPos.ApplyUpdates(posUpdate)
	n.wakeupUsers([]string{userID}, n.currPos)
}

// OnNewPresence wakes up everyone who shares a room with the user whose
// presence changed, along with the user themselves.
func (n *Notifier) OnNewPresence(
	posUpdate types.StreamingToken, userID string,
) {
	n.lock.Lock()
	defer n.lock.Unlock()

	n.currPos = n.currPos.ApplyUpdates(posUpdate)
	sharedUsers := n.sharedUsers(userID)
	sharedUsers = append(sharedUsers, userID)

	n.wakeupUsers(sharedUsers, n.currPos)
}

// SharedUsers returns a list of users who share at least 1 room with the given user.
func (n *Notifier) SharedUsers(userID string) []string {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.sharedUsers(userID)
}

func (n *Notifier) sharedUsers(userID string) []string {
	n._sharedUserMap[userID] = struct{}{}
	for roomID, users := range n.roomIDToJoinedUsers {
		if ok := users.isIn(userID); !ok {
			continue
		}
		for _, userID := range n.joinedUsers(roomID) {
			n._sharedUserMap[userID] = struct{}{}
		}
	}
	sharedUsers := make([]string, 0, len(n._sharedUserMap)+1)
	for userID := range n._sharedUserMap {
		sharedUsers = append(sharedUsers, userID)
		delete(n._sharedUserMap, userID)
	}
	return sharedUsers
}

// IsSharedUser returns true if userID and otherUserID share at least one room.
func (n *Notifier) IsSharedUser(userID, otherUserID string) bool {
	n.lock.RLock()
	defer n.lock.RUnlock()
	var okA, okB bool
	for _, users := range n.roomIDToJoinedUsers {
		okA = users.isIn(userID)
		if !okA {
			continue
		}
		okB = users.isIn(otherUserID)
		if okA && okB {
			return true
		}
	}
	return false
}

// GetListener returns a UserStreamListener that can be used to wait for
// updates for a user. Must be closed.
// notify for anything before sincePos
func (n *Notifier) GetListener(ctx context.Context, device types.Device) UserDeviceStreamListener {
	// - Bucket request into a lookup map keyed off a list of joined room IDs and separately a user ID
	// - Incoming events wake requests for a matching room ID
	// - Incoming events wake requests for a matching user ID (needed for invites)

	n.lock.Lock()
	defer n.lock.Unlock()

	n.removeEmptyUserStreams()

	return n.fetchUserDeviceStream(device.UserID, device.ID, true).GetListener(ctx)
}

// Load the membership states required to notify users correctly.
func (n *Notifier) Load(ctx context.Context, db storage.Database) error {
	n.lock.Lock()
	defer n.lock.Unlock()

	snapshot, err := db.NewDatabaseSnapshot(ctx)
	if err != nil {
		return err
	}
	var succeeded bool
	defer func() {
		if succeeded {
			_ = snapshot.Commit()
		} else {
			_ = snapshot.Rollback()
		}
	}()

	roomToUsers, err := snapshot.AllJoinedUsersInRooms(ctx)
	if err != nil {
		return err
	}
	n.setUsersJoinedToRooms(roomToUsers)

	succeeded = true
	return nil
}

// CurrentPosition returns the current sync position
func (n *Notifier) CurrentPosition() types.StreamingToken {
	n.lock.RLock()
	defer n.lock.RUnlock()

	return n.currPos
}

// setUsersJoinedToRooms marks the given users as 'joined' to the given rooms, such that new events from
// these rooms will wake the given users /sync requests. This should be called prior to ANY calls to
// OnNewEvent (eg on startup) to prevent racing.
func (n *Notifier) setUsersJoinedToRooms(roomIDToUserIDs map[string][]string) {
	// This is just the bulk form of addJoinedUser
	for roomID, userIDs := range roomIDToUserIDs {
		if _, ok := n.roomIDToJoinedUsers[roomID]; !ok {
			n.roomIDToJoinedUsers[roomID] = newUserIDSet(len(userIDs))
		}
		for _, userID := range userIDs {
			n.roomIDToJoinedUsers[roomID].add(userID)
		}
		n.roomIDToJoinedUsers[roomID].precompute()
	}
}

// wakeupUsers will wake up the sync streams for all of the devices for all of the
// specified user IDs.
// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) wakeupUsers(userIDs []string, newPos types.StreamingToken) {
	for _, userID := range userIDs {
		for _, stream := range n.fetchUserStreams(userID) {
			if stream == nil {
				continue
			}
			stream.Broadcast(newPos) // wake up all goroutines Wait()ing on this stream
		}
	}
}

// fetchUserDeviceStream retrieves a stream unique to the given device. If makeIfNotExists is true,
// a stream will be made for this device if one doesn't exist and it will be returned. This
// function does not wait for data to be available on the stream.
// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) fetchUserDeviceStream(userID, deviceID string, makeIfNotExists bool) *UserDeviceStream {
	_, ok := n.userDeviceStreams[userID]
	if !ok {
		if !makeIfNotExists {
			return nil
		}
		n.userDeviceStreams[userID] = map[string]*UserDeviceStream{}
	}
	stream, ok := n.userDeviceStreams[userID][deviceID]
	if !ok {
		if !makeIfNotExists {
			return nil
		}
		// TODO: Unbounded growth of streams (1 per user)
		if stream = NewUserDeviceStream(userID, deviceID, n.currPos); stream != nil {
			n.userDeviceStreams[userID][deviceID] = stream
		}
	}
	return stream
}

// fetchUserStreams retrieves all streams for the given user. If makeIfNotExists is true,
// a stream will be made for this user if one doesn't exist and it will be returned. This
// function does not wait for data to be available on the stream.
// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) fetchUserStreams(userID string) []*UserDeviceStream {
	user, ok := n.userDeviceStreams[userID]
	if !ok {
		return []*UserDeviceStream{}
	}
	streams := make([]*UserDeviceStream, 0, len(user))
	for _, stream := range user {
		streams = append(streams, stream)
	}
	return streams
}

// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) addJoinedUser(roomID, userID string) {
	if _, ok := n.roomIDToJoinedUsers[roomID]; !ok {
		n.roomIDToJoinedUsers[roomID] = newUserIDSet(8)
	}
	n.roomIDToJoinedUsers[roomID].add(userID)
}

// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) removeJoinedUser(roomID, userID string) {
	if _, ok := n.roomIDToJoinedUsers[roomID]; !ok {
		n.roomIDToJoinedUsers[roomID] = newUserIDSet(8)
	}
	n.roomIDToJoinedUsers[roomID].remove(userID)
}

// JoinedUsers returns the joined users of the given room.
func (n *Notifier) JoinedUsers(roomID string) (userIDs []string) {
	n.lock.RLock()
	defer n.lock.RUnlock()
	return n.joinedUsers(roomID)
}

// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) joinedUsers(roomID string) (userIDs []string) {
	if _, ok := n.roomIDToJoinedUsers[roomID]; !ok {
		return
	}
	return n.roomIDToJoinedUsers[roomID].values()
}

// removeEmptyUserStreams iterates through the user stream map and removes any
// that have been empty for a certain amount of time. This is a crude way of
// ensuring that the userStreams map doesn't grow forever.
// This should be called when the notifier gets called for whatever reason,
// the function itself is responsible for ensuring it doesn't iterate too
// often.
// NB: Callers should have locked the mutex before calling this function.
func (n *Notifier) removeEmptyUserStreams() {
	// Only clean up now and again
	now := time.Now()
	if n.lastCleanUpTime.Add(time.Minute).After(now) {
		return
	}
	n.lastCleanUpTime = now

	deleteBefore := now.Add(-5 * time.Minute)
	for user, byUser := range n.userDeviceStreams {
		for device, stream := range byUser {
			if stream.TimeOfLastNonEmpty().Before(deleteBefore) {
				delete(n.userDeviceStreams[user], device)
			}
			if len(n.userDeviceStreams[user]) == 0 {
				delete(n.userDeviceStreams, user)
			}
		}
	}
}

// A string set, mainly existing for improving clarity of structs in this file.
type userIDSet struct {
	sync.Mutex
	set    map[string]struct{}
	sorted []string
}

func newUserIDSet(cap int) *userIDSet {
	return &userIDSet{
		set:    make(map[string]struct{}, cap),
		sorted: make([]string, 0, cap),
	}
}

func (s *userIDSet) add(str string) {
	s.Lock()
	defer s.Unlock()
	s.set[str] = struct{}{}
	s.precomputeLocked()
}

func (s *userIDSet) remove(str string) {
	s.Lock()
	defer s.Unlock()
	delete(s.set, str)
	s.precomputeLocked()
}

func (s *userIDSet) precompute() {
	s.Lock()
	defer s.Unlock()
	s.precomputeLocked()
}

func (s *userIDSet) precomputeLocked() {
	s.sorted = s.sorted[:0]
	for str := range s.set {
		s.sorted = append(s.sorted, str)
	}
}

func (s *userIDSet) isIn(str string) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.set[str]
	return ok
}

func (s *userIDSet) values() (vals []string) {
	s.Lock()
	defer s.Unlock()
	return s.sorted
}
