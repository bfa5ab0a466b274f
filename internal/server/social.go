package server

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"instaup/internal/auth"
	"instaup/internal/service"
)

func (h *Handler) Discover(c *gin.Context) {
	var req struct {
		Input string `json:"input"`
		Page  int    `json:"page"`
		Limit int    `json:"limit"`
	}
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.Graph.Discover(c.Request.Context(), auth.GetUserID(c), req.Input, service.Page{Page: req.Page, Limit: req.Limit})
	if err != nil {
		fail(c, err, "discover")
		return
	}
	c.JSON(http.StatusOK, res)
}

type followRequest struct {
	FollowID flexID `json:"followid"`
}

func (h *Handler) Follow(c *gin.Context) {
	var req followRequest
	if !bind(c, &req) {
		return
	}
	requested, err := h.svc.Graph.Follow(c.Request.Context(), auth.GetUserID(c), uint(req.FollowID))
	if err != nil {
		fail(c, err, "follow")
		return
	}
	if requested {
		c.JSON(http.StatusOK, gin.H{"message": "Follow request sent. Waiting for approval.", "requested": true})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User followed successfully", "requested": false})
}

func (h *Handler) Unfollow(c *gin.Context) {
	var req followRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Graph.Unfollow(c.Request.Context(), auth.GetUserID(c), uint(req.FollowID)); err != nil {
		fail(c, err, "unfollow")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "User unfollowed successfully"})
}

func (h *Handler) CancelFollowRequest(c *gin.Context) {
	var req followRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Graph.CancelRequest(c.Request.Context(), auth.GetUserID(c), uint(req.FollowID)); err != nil {
		fail(c, err, "cancel follow request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Follow request canceled successfully"})
}

func (h *Handler) Connections(c *gin.Context) {
	conns, err := h.svc.Graph.Connections(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "connections")
		return
	}
	c.JSON(http.StatusOK, conns)
}

type requesterRequest struct {
	RequesterID flexID `json:"requesterId"`
}

func (h *Handler) AcceptRequest(c *gin.Context) {
	var req requesterRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Graph.Accept(c.Request.Context(), auth.GetUserID(c), uint(req.RequesterID)); err != nil {
		fail(c, err, "accept request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Follow request accepted"})
}

func (h *Handler) RejectRequest(c *gin.Context) {
	var req requesterRequest
	if !bind(c, &req) {
		return
	}
	if err := h.svc.Graph.Reject(c.Request.Context(), auth.GetUserID(c), uint(req.RequesterID)); err != nil {
		fail(c, err, "reject request")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Follow request rejected"})
}

func (h *Handler) UserProfile(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	v, err := h.svc.Graph.Profile(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		fail(c, err, "user profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": v})
}

func (h *Handler) UpdateProfile(c *gin.Context) {
	var req service.ProfileInput
	if !bind(c, &req) {
		return
	}
	u, err := h.svc.Profiles.Update(c.Request.Context(), auth.GetUserID(c), req)
	if err != nil {
		fail(c, err, "update profile")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Profile updated successfully", "user": u})
}

func (h *Handler) UploadAvatar(c *gin.Context) {
	f, ok := singleImage(c, "avatar")
	if !ok {
		return
	}
	u, err := h.svc.Profiles.UploadAvatar(c.Request.Context(), auth.GetUserID(c), f)
	if err != nil {
		fail(c, err, "upload avatar")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Avatar uploaded successfully", "user": u})
}

func (h *Handler) DeleteAvatar(c *gin.Context) {
	u, err := h.svc.Profiles.DeleteAvatar(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "delete avatar")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Avatar deleted successfully", "user": u})
}

func (h *Handler) UploadCover(c *gin.Context) {
	f, ok := singleImage(c, "coverpic")
	if !ok {
		return
	}
	u, err := h.svc.Profiles.UploadCover(c.Request.Context(), auth.GetUserID(c), f)
	if err != nil {
		fail(c, err, "upload cover")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cover picture uploaded successfully", "user": u})
}

func (h *Handler) DeleteCover(c *gin.Context) {
	u, err := h.svc.Profiles.DeleteCover(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "delete cover")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cover picture deleted successfully", "user": u})
}

func (h *Handler) SetAccountType(c *gin.Context) {
	u, err := h.svc.Profiles.TogglePrivacy(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "set account type")
		return
	}
	kind := "Public"
	if u.IsPrivate {
		kind = "Private"
	}
	c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("Account type updated to %s", kind), "user": u})
}
