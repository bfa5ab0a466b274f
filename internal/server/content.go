package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"instaup/internal/auth"
	"instaup/internal/service"
)

func (h *Handler) AddPost(c *gin.Context) {
	files, ok := readImages(c, "images")
	if !ok {
		return
	}
	p, err := h.svc.Posts.Add(c.Request.Context(), auth.GetUserID(c), c.PostForm("content"), files)
	if err != nil {
		fail(c, err, "add post")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Post created successfully", "post": p})
}

func (h *Handler) UserPosts(c *gin.Context) {
	owner, ok := idParam(c, "userId")
	if !ok {
		return
	}
	posts, err := h.svc.Posts.ListByUser(c.Request.Context(), auth.GetUserID(c), owner)
	if err != nil {
		fail(c, err, "user posts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func (h *Handler) GetPost(c *gin.Context) {
	id, ok := idParam(c, "postId")
	if !ok {
		return
	}
	p, err := h.svc.Posts.Get(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		fail(c, err, "get post")
		return
	}
	c.JSON(http.StatusOK, gin.H{"post": p})
}

func (h *Handler) UpdatePost(c *gin.Context) {
	id, ok := idParam(c, "postId")
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !bind(c, &req) {
		return
	}
	p, err := h.svc.Posts.UpdateContent(c.Request.Context(), auth.GetUserID(c), id, req.Content)
	if err != nil {
		fail(c, err, "update post")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Post updated successfully", "post": p})
}

func (h *Handler) AddPostImages(c *gin.Context) {
	id, ok := idParam(c, "postId")
	if !ok {
		return
	}
	files, ok := readImages(c, "images")
	if !ok {
		return
	}
	p, err := h.svc.Posts.AddImages(c.Request.Context(), auth.GetUserID(c), id, files)
	if err != nil {
		fail(c, err, "add post images")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Images added successfully", "post": p})
}

func (h *Handler) DeletePostImage(c *gin.Context) {
	id, ok := idParam(c, "postId")
	if !ok {
		return
	}
	var req struct {
		ImageURL string `json:"imageUrl"`
	}
	if !bind(c, &req) {
		return
	}
	p, err := h.svc.Posts.DeleteImage(c.Request.Context(), auth.GetUserID(c), id, req.ImageURL)
	if err != nil {
		fail(c, err, "delete post image")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Image deleted successfully", "post": p})
}

func (h *Handler) DeletePost(c *gin.Context) {
	id, ok := idParam(c, "postId")
	if !ok {
		return
	}
	if err := h.svc.Posts.Delete(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		fail(c, err, "delete post")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Post deleted successfully", "postId": id})
}

func (h *Handler) LikePost(c *gin.Context) {
	var req struct {
		PostID flexID `json:"postId"`
	}
	if !bind(c, &req) {
		return
	}
	if req.PostID == 0 {
		badRequest(c, "Post ID is required")
		return
	}
	liked, n, err := h.svc.Posts.ToggleLike(c.Request.Context(), auth.GetUserID(c), uint(req.PostID))
	if err != nil {
		fail(c, err, "like post")
		return
	}
	msg := "Post unliked"
	if liked {
		msg = "Post liked"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "liked": liked, "likes": n})
}

func (h *Handler) AddComment(c *gin.Context) {
	var req struct {
		PostID flexID `json:"postId"`
		Text   string `json:"text"`
	}
	if !bind(c, &req) {
		return
	}
	if req.PostID == 0 {
		badRequest(c, "Post ID is required")
		return
	}
	cm, err := h.svc.Posts.AddComment(c.Request.Context(), auth.GetUserID(c), uint(req.PostID), req.Text)
	if err != nil {
		fail(c, err, "add comment")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Comment added", "comment": cm})
}

func (h *Handler) DeleteComment(c *gin.Context) {
	postID, ok := idParam(c, "postId")
	if !ok {
		return
	}
	commentID, ok := idParam(c, "commentId")
	if !ok {
		return
	}
	if err := h.svc.Posts.DeleteComment(c.Request.Context(), auth.GetUserID(c), postID, commentID); err != nil {
		fail(c, err, "delete comment")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Comment deleted"})
}

func (h *Handler) FeedPosts(c *gin.Context) {
	res, err := h.svc.Posts.Feed(c.Request.Context(), auth.GetUserID(c), pageQuery(c))
	if err != nil {
		fail(c, err, "feed")
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) AddStory(c *gin.Context) {
	files, ok := readImages(c, "image")
	if !ok {
		return
	}
	in := service.StoryInput{Content: c.PostForm("content"), BgColor: c.PostForm("bg_color"), Files: files}
	st, err := h.svc.Stories.Create(c.Request.Context(), auth.GetUserID(c), in)
	if err != nil {
		fail(c, err, "add story")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Story created successfully", "story": st})
}

func (h *Handler) Stories(c *gin.Context) {
	stories, err := h.svc.Stories.Feed(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "stories")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(stories), "stories": stories})
}

func (h *Handler) ToggleLikeStory(c *gin.Context) {
	id, ok := idParam(c, "storyId")
	if !ok {
		return
	}
	liked, n, err := h.svc.Stories.ToggleLike(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		fail(c, err, "like story")
		return
	}
	msg := "Unliked story"
	if liked {
		msg = "Liked story"
	}
	c.JSON(http.StatusOK, gin.H{"message": msg, "liked": liked, "likes": n})
}

func (h *Handler) ViewStory(c *gin.Context) {
	id, ok := idParam(c, "storyId")
	if !ok {
		return
	}
	viewers, err := h.svc.Stories.View(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		fail(c, err, "view story")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Story viewed", "views": len(viewers), "viewers": viewers})
}

func (h *Handler) DeleteStory(c *gin.Context) {
	id, ok := idParam(c, "storyId")
	if !ok {
		return
	}
	if err := h.svc.Stories.Delete(c.Request.Context(), auth.GetUserID(c), id); err != nil {
		fail(c, err, "delete story")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Story deleted successfully", "storyId": id})
}

func (h *Handler) SendMessage(c *gin.Context) {
	to, ok := idParam(c, "userId")
	if !ok {
		return
	}
	files, ok := readImages(c, "files")
	if !ok {
		return
	}
	msg, err := h.svc.Chat.Send(c.Request.Context(), auth.GetUserID(c), to, c.PostForm("text"), files)
	if err != nil {
		fail(c, err, "send message")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": msg})
}

func (h *Handler) ChatHistory(c *gin.Context) {
	other, ok := idParam(c, "userId")
	if !ok {
		return
	}
	with, msgs, err := h.svc.Chat.History(c.Request.Context(), auth.GetUserID(c), other)
	if err != nil {
		fail(c, err, "chat history")
		return
	}
	c.JSON(http.StatusOK, gin.H{"chatWith": with, "messages": msgs})
}

func (h *Handler) MarkSeen(c *gin.Context) {
	id, ok := idParam(c, "msgId")
	if !ok {
		return
	}
	msg, err := h.svc.Chat.MarkSeen(c.Request.Context(), auth.GetUserID(c), id)
	if err != nil {
		fail(c, err, "mark seen")
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Message marked as seen", "updatedMessage": msg})
}

func (h *Handler) FollowingChats(c *gin.Context) {
	chats, err := h.svc.Chat.FollowingWithPreview(c.Request.Context(), auth.GetUserID(c))
	if err != nil {
		fail(c, err, "following chats")
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(chats), "chats": chats})
}
