// Package store persists user profiles and group statistics as JSON
// documents, rewritten on every mutation.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nasbot/nasbot/pkg/logger"
)

const dateLayout = "2006-01-02"

type UserProfile struct {
	UserID        int64  `json:"user_id"`
	Nickname      string `json:"nickname"`
	Points        int    `json:"points"`
	LastCheckin   string `json:"last_checkin,omitempty"`
	CheckinStreak int    `json:"checkin_streak"`
	MessageCount  int64  `json:"message_count"`
	JoinDate      string `json:"join_date"`
}

type GroupStats struct {
	GroupID       int64             `json:"group_id"`
	TotalMessages int64             `json:"total_messages"`
	ActiveUsers   map[string]int64  `json:"active_users"`
	Settings      map[string]string `json:"settings,omitempty"`
}

type userStore struct {
	Version int                     `json:"version"`
	Users   map[string]*UserProfile `json:"users"`
}

type groupStore struct {
	Version int                    `json:"version"`
	Groups  map[string]*GroupStats `json:"groups"`
}

// Store keeps both documents in memory behind one lock and rewrites the
// backing files on mutation.
type Store struct {
	usersPath  string
	groupsPath string
	mu         sync.RWMutex
	users      *userStore
	groups     *groupStore
	nowFunc    func() time.Time
}

func New(dir string) (*Store, error) {
	s := &Store{
		usersPath:  filepath.Join(dir, "users.json"),
		groupsPath: filepath.Join(dir, "groups.json"),
		users:      &userStore{Version: 1, Users: map[string]*UserProfile{}},
		groups:     &groupStore{Version: 1, Groups: map[string]*GroupStats{}},
		nowFunc:    time.Now,
	}

	if err := loadJSON(s.usersPath, s.users); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if err := loadJSON(s.groupsPath, s.groups); err != nil {
		return nil, fmt.Errorf("load groups: %w", err)
	}
	if s.users.Users == nil {
		s.users.Users = map[string]*UserProfile{}
	}
	if s.groups.Groups == nil {
		s.groups.Groups = map[string]*GroupStats{}
	}
	return s, nil
}

func loadJSON(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, out)
}

func saveJSON(path string, in interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (s *Store) userKey(userID int64) string { return strconv.FormatInt(userID, 10) }

// getUserUnsafe returns the profile for userID, creating it on first
// sight. Caller holds the lock.
func (s *Store) getUserUnsafe(userID int64, nickname string) *UserProfile {
	key := s.userKey(userID)
	u, ok := s.users.Users[key]
	if !ok {
		u = &UserProfile{
			UserID:   userID,
			JoinDate: s.nowFunc().Format(dateLayout),
		}
		s.users.Users[key] = u
	}
	if nickname != "" && nickname != "unknown" {
		u.Nickname = nickname
	}
	return u
}

// TouchUser records one inbound message from userID and returns a copy
// of the updated profile.
func (s *Store) TouchUser(userID int64, nickname string) UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.getUserUnsafe(userID, nickname)
	u.MessageCount++
	s.saveUsersUnsafe()
	return *u
}

func (s *Store) User(userID int64) (UserProfile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users.Users[s.userKey(userID)]
	if !ok {
		return UserProfile{}, false
	}
	return *u, true
}

func (s *Store) AddPoints(userID int64, nickname string, points int) UserProfile {
	s.mu.Lock()
	defer s.mu.Unlock()

	u := s.getUserUnsafe(userID, nickname)
	u.Points += points
	if u.Points < 0 {
		u.Points = 0
	}
	s.saveUsersUnsafe()
	return *u
}

// CheckinResult reports the outcome of one daily check-in.
type CheckinResult struct {
	Already bool
	Points  int
	Streak  int
	Total   int
}

// Checkin performs the daily check-in. A second call on the same day is
// rejected; a check-in the day after the previous one extends the streak,
// any longer gap resets it.
func (s *Store) Checkin(userID int64, nickname string, dailyPoints, streakBonus int) CheckinResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowFunc()
	today := now.Format(dateLayout)
	yesterday := now.AddDate(0, 0, -1).Format(dateLayout)

	u := s.getUserUnsafe(userID, nickname)
	if u.LastCheckin == today {
		return CheckinResult{Already: true, Streak: u.CheckinStreak, Total: u.Points}
	}

	if u.LastCheckin == yesterday {
		u.CheckinStreak++
	} else {
		u.CheckinStreak = 1
	}
	u.LastCheckin = today

	earned := dailyPoints + u.CheckinStreak*streakBonus
	u.Points += earned
	s.saveUsersUnsafe()

	return CheckinResult{Points: earned, Streak: u.CheckinStreak, Total: u.Points}
}

// Rank returns up to limit profiles ordered by points descending.
func (s *Store) Rank(limit int) []UserProfile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]UserProfile, 0, len(s.users.Users))
	for _, u := range s.users.Users {
		all = append(all, *u)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Points != all[j].Points {
			return all[i].Points > all[j].Points
		}
		return all[i].UserID < all[j].UserID
	})
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all
}

// RecordGroupMessage updates per-group counters for one inbound group
// message.
func (s *Store) RecordGroupMessage(groupID, userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strconv.FormatInt(groupID, 10)
	g, ok := s.groups.Groups[key]
	if !ok {
		g = &GroupStats{GroupID: groupID, ActiveUsers: map[string]int64{}}
		s.groups.Groups[key] = g
	}
	if g.ActiveUsers == nil {
		g.ActiveUsers = map[string]int64{}
	}
	g.TotalMessages++
	g.ActiveUsers[strconv.FormatInt(userID, 10)]++
	s.saveGroupsUnsafe()
}

func (s *Store) Group(groupID int64) (GroupStats, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups.Groups[strconv.FormatInt(groupID, 10)]
	if !ok {
		return GroupStats{}, false
	}
	out := *g
	out.ActiveUsers = make(map[string]int64, len(g.ActiveUsers))
	for k, v := range g.ActiveUsers {
		out.ActiveUsers[k] = v
	}
	return out, true
}

func (s *Store) UserCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users.Users)
}

// Persistence failures are logged; the in-memory state stays
// authoritative until the next successful write.
func (s *Store) saveUsersUnsafe() {
	if err := saveJSON(s.usersPath, s.users); err != nil {
		logger.ErrorCF("store", "Failed to save users", map[string]interface{}{
			"path":  s.usersPath,
			"error": err.Error(),
		})
	}
}

func (s *Store) saveGroupsUnsafe() {
	if err := saveJSON(s.groupsPath, s.groups); err != nil {
		logger.ErrorCF("store", "Failed to save groups", map[string]interface{}{
			"path":  s.groupsPath,
			"error": err.Error(),
		})
	}
}
