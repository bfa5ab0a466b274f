package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"instaup/internal/models"
)

func TestDiscover(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	g := NewGraphService(gdb, nil)

	me := mkUser(t, gdb, "me_search", false)
	alice := mkUser(t, gdb, "alice", false)
	alina := mkUser(t, gdb, "alina", true)
	bob := mkUser(t, gdb, "bob", false)
	require.NoError(t, gdb.Model(bob).Update("location", "Alicante").Error)
	mkUser(t, gdb, "carol", false)

	follow(t, gdb, me, alice)
	follow(t, gdb, alice, me)
	follow(t, gdb, bob, alice)
	require.NoError(t, gdb.Create(&models.FollowRequest{RequesterID: me.ID, TargetID: alina.ID}).Error)

	res, err := g.Discover(ctx, me.ID, "", Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Users)
	assert.Zero(t, res.Total)

	res, err = g.Discover(ctx, me.ID, "ALI", Page{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
	assert.Equal(t, 2, res.TotalPages)
	require.Len(t, res.Users, 2)

	byName := map[string]UserCard{}
	for _, u := range res.Users {
		byName[u.Username] = u
	}
	a := byName["alice"]
	assert.True(t, a.IsFollowing)
	assert.True(t, a.FollowingYou)
	assert.False(t, a.RequestSent)
	assert.EqualValues(t, 2, a.FollowersCount)
	assert.EqualValues(t, 1, a.FollowingCount)
	assert.True(t, byName["alina"].RequestSent)
	assert.True(t, byName["alina"].IsPrivate)

	res, err = g.Discover(ctx, me.ID, "ali", Page{Page: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Users, 1)
	assert.Equal(t, "bob", res.Users[0].Username)

	res, err = g.Discover(ctx, me.ID, "me_search", Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Users, "viewer excluded")

	res, err = g.Discover(ctx, me.ID, "%", Page{})
	require.NoError(t, err)
	assert.Empty(t, res.Users, "wildcards are literal")
}

func TestFollowLifecycle(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	g := NewGraphService(gdb, nil)
	me := mkUser(t, gdb, "me", false)
	pub := mkUser(t, gdb, "pub", false)
	priv := mkUser(t, gdb, "priv", true)

	_, err := g.Follow(ctx, me.ID, me.ID)
	requireKind(t, err, ErrValidation, "Invalid follow request")
	_, err = g.Follow(ctx, me.ID, 9999)
	requireKind(t, err, ErrNotFound, "User not found")

	requested, err := g.Follow(ctx, me.ID, pub.ID)
	require.NoError(t, err)
	assert.False(t, requested)
	_, err = g.Follow(ctx, me.ID, pub.ID)
	requireKind(t, err, ErrValidation, "You already follow this user")

	requested, err = g.Follow(ctx, me.ID, priv.ID)
	require.NoError(t, err)
	assert.True(t, requested)
	_, err = g.Follow(ctx, me.ID, priv.ID)
	requireKind(t, err, ErrValidation, "Follow request already sent")
	ok, err := g.IsFollowing(ctx, me.ID, priv.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, g.CancelRequest(ctx, me.ID, priv.ID))
	requireKind(t, g.CancelRequest(ctx, me.ID, priv.ID), ErrValidation, "No follow request to cancel")

	require.NoError(t, g.Unfollow(ctx, me.ID, pub.ID))
	requireKind(t, g.Unfollow(ctx, me.ID, pub.ID), ErrValidation, "You are not following this user")
}

func TestConnections_AcceptReject(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	g := NewGraphService(gdb, nil)
	owner := mkUser(t, gdb, "owner", true)
	a := mkUser(t, gdb, "a", false)
	b := mkUser(t, gdb, "b", false)

	_, err := g.Follow(ctx, a.ID, owner.ID)
	require.NoError(t, err)
	_, err = g.Follow(ctx, b.ID, owner.ID)
	require.NoError(t, err)

	c, err := g.Connections(ctx, owner.ID)
	require.NoError(t, err)
	assert.Empty(t, c.Followers)
	require.Len(t, c.Pending, 2)

	require.NoError(t, g.Accept(ctx, owner.ID, a.ID))
	requireKind(t, g.Accept(ctx, owner.ID, a.ID), ErrValidation, "No follow request found")
	require.NoError(t, g.Reject(ctx, owner.ID, b.ID))
	requireKind(t, g.Reject(ctx, owner.ID, b.ID), ErrValidation, "No follow request found")
	requireKind(t, g.Accept(ctx, owner.ID, 9999), ErrNotFound, "User not found")

	c, err = g.Connections(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, c.Followers, 1)
	assert.Equal(t, a.ID, c.Followers[0].ID)
	assert.Empty(t, c.Pending)

	ac, err := g.Connections(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, ac.Following, 1)
	assert.Equal(t, "owner", ac.Following[0].Username)
}

func TestProfile_PostsFollowPrivacy(t *testing.T) {
	ctx := context.Background()
	gdb := newTestDB(t)
	g := NewGraphService(gdb, nil)
	owner := mkUser(t, gdb, "owner", true)
	fan := mkUser(t, gdb, "fan", false)
	stranger := mkUser(t, gdb, "stranger", false)
	follow(t, gdb, fan, owner)
	require.NoError(t, gdb.Create(&models.FollowRequest{RequesterID: stranger.ID, TargetID: owner.ID}).Error)
	require.NoError(t, gdb.Create(&models.Post{UserID: owner.ID, Content: "hi", PostType: models.ContentText}).Error)

	tests := []struct {
		name        string
		viewer      uint
		wantVisible bool
		following   bool
		requested   bool
	}{
		{"owner", owner.ID, true, false, false},
		{"follower", fan.ID, true, true, false},
		{"stranger", stranger.ID, false, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := g.Profile(ctx, tt.viewer, owner.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantVisible, v.PostsVisible)
			assert.Equal(t, tt.following, v.IsFollowing)
			assert.Equal(t, tt.requested, v.RequestSent)
			assert.EqualValues(t, 1, v.FollowersCount)
			if tt.wantVisible {
				assert.Len(t, v.Posts, 1)
			} else {
				assert.Empty(t, v.Posts)
			}
		})
	}

	_, err := g.Profile(ctx, fan.ID, 9999)
	requireKind(t, err, ErrNotFound, "User not found")
}
