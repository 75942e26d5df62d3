// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/aiku/wormhole/pkg/store"
)

// Validation errors surfaced to the invoking user. None of them are fatal.
var (
	ErrGroupExists   = errors.New("relay: private group already exists")
	ErrUnknownGroup  = errors.New("relay: unknown private group")
	ErrWrongPassword = errors.New("relay: wrong password")
	ErrAlreadyMember = errors.New("relay: channel is already a member")
	ErrNotAMember    = errors.New("relay: channel is not a member")
)

// OpenResult reports the outcome of an idempotent open.
type OpenResult int

const (
	Joined OpenResult = iota
	AlreadyMember
)

// CloseResult reports the outcome of an idempotent close.
type CloseResult int

const (
	Left CloseResult = iota
	NotMember
)

// GroupRef identifies a link group: a numbered public slot when Name is
// empty, otherwise a named private group.
type GroupRef struct {
	ID   int    `json:"id"`
	Name string `json:"name,omitempty"`
}

// PublicGroup returns a reference to a numbered public group.
func PublicGroup(id int) GroupRef {
	return GroupRef{ID: id}
}

// PrivateGroup returns a reference to a named private group.
func PrivateGroup(name string) GroupRef {
	return GroupRef{Name: name}
}

// IsPrivate reports whether the reference names a private group.
func (g GroupRef) IsPrivate() bool {
	return g.Name != ""
}

func (g GroupRef) String() string {
	if g.IsPrivate() {
		return "private/" + g.Name
	}
	return "public/" + strconv.Itoa(g.ID)
}

// key returns the stable config-store key suffix for the group.
func (g GroupRef) key() string {
	if g.IsPrivate() {
		return "private:" + g.Name
	}
	return "group:" + strconv.Itoa(g.ID)
}

// GroupInfo is the introspection view of one link group.
type GroupInfo struct {
	Group   GroupRef `json:"group"`
	Members []string `json:"members"`
}

// privateRecord is the stored form of a private group: a bcrypt hash of
// the password plus the member channel list.
type privateRecord struct {
	Secret  string   `json:"secret"`
	Members []string `json:"members"`
}

// Config-store keys owned by the registry.
const (
	keyGroupIndex    = "groups"
	keyPrivateIndex  = "privates"
	keyBlacklist     = "blacklist"
	keyWordFilter    = "wordfilter"
	keyMentionBypass = "mentionbypass"
)

// StatusBroadcaster delivers best-effort status notices to the rest of a
// group when membership changes. Failures are ignored.
type StatusBroadcaster interface {
	BroadcastStatus(ctx context.Context, group GroupRef, exceptChannel, title, body string)
}

// Registry owns link-group membership and the moderation state lists. All
// read-modify-write sequences against the config store go through one
// mutex; the store itself is last-writer-wins.
type Registry struct {
	store     store.Store
	log       zerolog.Logger
	broadcast StatusBroadcaster

	mu sync.Mutex
}

// NewRegistry creates a registry on top of the given config store.
func NewRegistry(st store.Store, log zerolog.Logger) *Registry {
	return &Registry{
		store: st,
		log:   log.With().Str("component", "registry").Logger(),
	}
}

// SetBroadcaster wires the status broadcaster. Must be called before the
// first membership change if broadcasts are wanted; nil disables them.
func (r *Registry) SetBroadcaster(b StatusBroadcaster) {
	r.broadcast = b
}

// Open adds a channel to a numbered public group. Idempotent.
func (r *Registry) Open(ctx context.Context, groupID int, channelID string) (OpenResult, error) {
	group := PublicGroup(groupID)

	r.mu.Lock()
	members, err := r.store.GetList(group.key())
	if err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to read group members: %w", err)
	}
	if contains(members, channelID) {
		r.mu.Unlock()
		return AlreadyMember, nil
	}
	if err := r.store.SetList(group.key(), append(members, channelID)); err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to write group members: %w", err)
	}
	if err := r.indexGroup(strconv.Itoa(groupID)); err != nil {
		r.mu.Unlock()
		return 0, err
	}
	r.mu.Unlock()

	r.log.Info().Stringer("group", group).Str("channel_id", channelID).Msg("Channel joined group")
	r.broadcastJoin(ctx, group, channelID)
	return Joined, nil
}

// Close removes a channel from a numbered public group. Idempotent. An
// emptied public group remains as an empty slot.
func (r *Registry) Close(ctx context.Context, groupID int, channelID string) (CloseResult, error) {
	group := PublicGroup(groupID)

	r.mu.Lock()
	members, err := r.store.GetList(group.key())
	if err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to read group members: %w", err)
	}
	if !contains(members, channelID) {
		r.mu.Unlock()
		return NotMember, nil
	}
	if err := r.store.SetList(group.key(), remove(members, channelID)); err != nil {
		r.mu.Unlock()
		return 0, fmt.Errorf("failed to write group members: %w", err)
	}
	r.mu.Unlock()

	r.log.Info().Stringer("group", group).Str("channel_id", channelID).Msg("Channel left group")
	r.broadcastLeave(ctx, group, channelID)
	return Left, nil
}

// CreatePrivate creates a password-gated group with one member. The
// password is stored as a bcrypt hash; the plaintext never touches the
// config store.
func (r *Registry) CreatePrivate(ctx context.Context, name, password, channelID string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.loadPrivate(name); err == nil {
		return ErrGroupExists
	} else if !errors.Is(err, ErrUnknownGroup) {
		return err
	}

	rec := privateRecord{Secret: string(hash), Members: []string{channelID}}
	if err := r.savePrivate(name, rec); err != nil {
		return err
	}

	names, err := r.store.GetList(keyPrivateIndex)
	if err != nil {
		return fmt.Errorf("failed to read private group index: %w", err)
	}
	if !contains(names, name) {
		if err := r.store.SetList(keyPrivateIndex, append(names, name)); err != nil {
			return fmt.Errorf("failed to write private group index: %w", err)
		}
	}

	r.log.Info().Str("name", name).Str("channel_id", channelID).Msg("Created private group")
	return nil
}

// JoinPrivate adds a channel to an existing private group after checking
// the password.
func (r *Registry) JoinPrivate(ctx context.Context, name, password, channelID string) error {
	r.mu.Lock()
	rec, err := r.loadPrivate(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.Secret), []byte(password)) != nil {
		r.mu.Unlock()
		return ErrWrongPassword
	}
	if contains(rec.Members, channelID) {
		r.mu.Unlock()
		return ErrAlreadyMember
	}
	rec.Members = append(rec.Members, channelID)
	if err := r.savePrivate(name, rec); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.log.Info().Str("name", name).Str("channel_id", channelID).Msg("Channel joined private group")
	r.broadcastJoin(ctx, PrivateGroup(name), channelID)
	return nil
}

// LeavePrivate removes a channel from a private group. An emptied private
// group is deleted entirely.
func (r *Registry) LeavePrivate(ctx context.Context, name, channelID string) error {
	r.mu.Lock()
	rec, err := r.loadPrivate(name)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	if !contains(rec.Members, channelID) {
		r.mu.Unlock()
		return ErrNotAMember
	}
	rec.Members = remove(rec.Members, channelID)
	if len(rec.Members) == 0 {
		if err := r.deletePrivate(name); err != nil {
			r.mu.Unlock()
			return err
		}
		r.mu.Unlock()
		r.log.Info().Str("name", name).Msg("Deleted empty private group")
		return nil
	}
	if err := r.savePrivate(name, rec); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	r.log.Info().Str("name", name).Str("channel_id", channelID).Msg("Channel left private group")
	r.broadcastLeave(ctx, PrivateGroup(name), channelID)
	return nil
}

// MembersOf returns every member channel of a group, origin included; the
// dispatcher filters out the origin itself.
func (r *Registry) MembersOf(ctx context.Context, group GroupRef) ([]string, error) {
	if group.IsPrivate() {
		r.mu.Lock()
		rec, err := r.loadPrivate(group.Name)
		r.mu.Unlock()
		if err != nil {
			if errors.Is(err, ErrUnknownGroup) {
				return nil, nil
			}
			return nil, err
		}
		return rec.Members, nil
	}
	members, err := r.store.GetList(group.key())
	if err != nil {
		return nil, fmt.Errorf("failed to read group members: %w", err)
	}
	return members, nil
}

// GroupsOf returns every group the channel is a member of.
func (r *Registry) GroupsOf(ctx context.Context, channelID string) ([]GroupRef, error) {
	infos, err := r.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	var groups []GroupRef
	for _, info := range infos {
		if contains(info.Members, channelID) {
			groups = append(groups, info.Group)
		}
	}
	return groups, nil
}

// ListGroups returns every known group with its members, public slots
// first, for status commands and the admin API.
func (r *Registry) ListGroups(ctx context.Context) ([]GroupInfo, error) {
	ids, err := r.store.GetList(keyGroupIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to read group index: %w", err)
	}
	var infos []GroupInfo
	for _, raw := range ids {
		id, err := strconv.Atoi(raw)
		if err != nil {
			r.log.Warn().Str("group_id", raw).Msg("Skipping malformed group index entry")
			continue
		}
		group := PublicGroup(id)
		members, err := r.store.GetList(group.key())
		if err != nil {
			return nil, fmt.Errorf("failed to read group members: %w", err)
		}
		infos = append(infos, GroupInfo{Group: group, Members: members})
	}

	names, err := r.store.GetList(keyPrivateIndex)
	if err != nil {
		return nil, fmt.Errorf("failed to read private group index: %w", err)
	}
	r.mu.Lock()
	for _, name := range names {
		rec, err := r.loadPrivate(name)
		if errors.Is(err, ErrUnknownGroup) {
			continue
		}
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		infos = append(infos, GroupInfo{Group: PrivateGroup(name), Members: rec.Members})
	}
	r.mu.Unlock()
	return infos, nil
}

// ForceClose removes a channel from every group it belongs to. Owner-only
// on the command surface; the registry itself does no permission checks.
func (r *Registry) ForceClose(ctx context.Context, channelID string) ([]GroupRef, error) {
	groups, err := r.GroupsOf(ctx, channelID)
	if err != nil {
		return nil, err
	}
	var removed []GroupRef
	for _, group := range groups {
		if group.IsPrivate() {
			err = r.LeavePrivate(ctx, group.Name, channelID)
		} else {
			_, err = r.Close(ctx, group.ID, channelID)
		}
		if err != nil {
			r.log.Warn().Err(err).Stringer("group", group).Str("channel_id", channelID).
				Msg("Forced close failed for group")
			continue
		}
		removed = append(removed, group)
	}
	return removed, nil
}

// Moderation state. Mutated only by elevated-privilege commands, read on
// every inbound message.

func (r *Registry) Blacklist(ctx context.Context) ([]string, error) {
	return r.store.GetList(keyBlacklist)
}

func (r *Registry) BlacklistAdd(ctx context.Context, userID string) error {
	return r.listAdd(keyBlacklist, userID)
}

func (r *Registry) BlacklistRemove(ctx context.Context, userID string) error {
	return r.listRemove(keyBlacklist, userID)
}

func (r *Registry) WordFilter(ctx context.Context) ([]string, error) {
	return r.store.GetList(keyWordFilter)
}

func (r *Registry) WordFilterAdd(ctx context.Context, word string) error {
	return r.listAdd(keyWordFilter, word)
}

func (r *Registry) WordFilterRemove(ctx context.Context, word string) error {
	return r.listRemove(keyWordFilter, word)
}

func (r *Registry) MentionBypass(ctx context.Context) ([]string, error) {
	return r.store.GetList(keyMentionBypass)
}

func (r *Registry) MentionBypassAdd(ctx context.Context, userID string) error {
	return r.listAdd(keyMentionBypass, userID)
}

func (r *Registry) MentionBypassRemove(ctx context.Context, userID string) error {
	return r.listRemove(keyMentionBypass, userID)
}

// GroupAllowsNSFW resolves the per-group NSFW override, falling back to
// the given global default.
func (r *Registry) GroupAllowsNSFW(ctx context.Context, group GroupRef, def bool) (bool, error) {
	raw, err := r.store.GetRaw("nsfw:"+group.key(), "")
	if err != nil {
		return def, fmt.Errorf("failed to read nsfw override: %w", err)
	}
	switch raw {
	case "allow":
		return true, nil
	case "deny":
		return false, nil
	default:
		return def, nil
	}
}

// SetGroupNSFW stores a per-group NSFW override: "allow", "deny" or ""
// to fall back to the global default.
func (r *Registry) SetGroupNSFW(ctx context.Context, group GroupRef, override string) error {
	switch override {
	case "allow", "deny":
		return r.store.SetRaw("nsfw:"+group.key(), override)
	case "":
		return r.store.Delete("nsfw:" + group.key())
	default:
		return fmt.Errorf("invalid nsfw override %q", override)
	}
}

func (r *Registry) listAdd(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	values, err := r.store.GetList(key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if contains(values, value) {
		return nil
	}
	if err := r.store.SetList(key, append(values, value)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (r *Registry) listRemove(key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	values, err := r.store.GetList(key)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if !contains(values, value) {
		return nil
	}
	if err := r.store.SetList(key, remove(values, value)); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

// indexGroup records a numbered slot in the group index. Caller holds r.mu.
func (r *Registry) indexGroup(id string) error {
	ids, err := r.store.GetList(keyGroupIndex)
	if err != nil {
		return fmt.Errorf("failed to read group index: %w", err)
	}
	if contains(ids, id) {
		return nil
	}
	if err := r.store.SetList(keyGroupIndex, append(ids, id)); err != nil {
		return fmt.Errorf("failed to write group index: %w", err)
	}
	return nil
}

// loadPrivate reads a private group record. Caller holds r.mu.
func (r *Registry) loadPrivate(name string) (privateRecord, error) {
	raw, err := r.store.GetRaw("private:"+name, "")
	if err != nil {
		return privateRecord{}, fmt.Errorf("failed to read private group %s: %w", name, err)
	}
	if raw == "" {
		return privateRecord{}, ErrUnknownGroup
	}
	var rec privateRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return privateRecord{}, fmt.Errorf("corrupt private group record %s: %w", name, err)
	}
	return rec, nil
}

// savePrivate writes a private group record. Caller holds r.mu.
func (r *Registry) savePrivate(name string, rec privateRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal private group %s: %w", name, err)
	}
	if err := r.store.SetRaw("private:"+name, string(data)); err != nil {
		return fmt.Errorf("failed to write private group %s: %w", name, err)
	}
	return nil
}

// deletePrivate removes a private group and its index entry. Caller holds r.mu.
func (r *Registry) deletePrivate(name string) error {
	if err := r.store.Delete("private:" + name); err != nil {
		return fmt.Errorf("failed to delete private group %s: %w", name, err)
	}
	names, err := r.store.GetList(keyPrivateIndex)
	if err != nil {
		return fmt.Errorf("failed to read private group index: %w", err)
	}
	if contains(names, name) {
		if err := r.store.SetList(keyPrivateIndex, remove(names, name)); err != nil {
			return fmt.Errorf("failed to write private group index: %w", err)
		}
	}
	return nil
}

func (r *Registry) broadcastJoin(ctx context.Context, group GroupRef, channelID string) {
	if r.broadcast == nil {
		return
	}
	r.broadcast.BroadcastStatus(ctx, group, channelID, "Wormhole",
		fmt.Sprintf("A new channel connected to %s.", group))
}

func (r *Registry) broadcastLeave(ctx context.Context, group GroupRef, channelID string) {
	if r.broadcast == nil {
		return
	}
	r.broadcast.BroadcastStatus(ctx, group, channelID, "Wormhole",
		fmt.Sprintf("A channel disconnected from %s.", group))
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}

func remove(values []string, v string) []string {
	out := values[:0]
	for _, x := range values {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
