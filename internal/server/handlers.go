package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/rzpsarthak13/likebatch/internal/core"
	"github.com/rzpsarthak13/likebatch/pkg/likebatch"
)

type createTweetRequest struct {
	UserID  int64  `json:"user_id"`
	Content string `json:"content"`
}

type updateTweetRequest struct {
	Content *string `json:"content"`
}

type likesResponse struct {
	TweetID   int64 `json:"tweet_id"`
	LikeCount int64 `json:"like_count"`
	Pending   int64 `json:"pending"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateTweet(w http.ResponseWriter, r *http.Request) {
	var req createTweetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "could not decode request")
		return
	}

	tweet, err := s.client.Tweets().CreateTweet(r.Context(), req.UserID, req.Content)
	if err != nil {
		s.logger.WithError(err).Error("failed to create tweet")
		s.writeError(w, http.StatusInternalServerError, "could not create tweet")
		return
	}
	s.writeJSON(w, http.StatusCreated, tweet)
}

func (s *Server) handleListTweets(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}

	key := s.client.Keys().QueryKey("tweets", url.Values{"limit": {strconv.Itoa(limit)}})
	v, err := s.client.Cache().GetOrLoad(r.Context(), key, func(ctx context.Context) (any, error) {
		return s.client.Tweets().ListTweets(ctx, limit)
	})
	if err != nil {
		s.logger.WithError(err).Error("failed to list tweets")
		s.writeError(w, http.StatusInternalServerError, "could not list tweets")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleSearchTweets(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, "search", s.client.Tweets().SearchTweets)
}

func (s *Server) handleSearchHashtags(w http.ResponseWriter, r *http.Request) {
	s.search(w, r, "hashtag", s.client.Tweets().SearchHashtags)
}

type searchFunc func(ctx context.Context, query string, limit int) ([]core.Tweet, error)

// search serves a cached search keyed on the trimmed query and the clamped
// limit only.
func (s *Server) search(w http.ResponseWriter, r *http.Request, prefix string, find searchFunc) {
	query := strings.TrimSpace(r.URL.Query().Get("query"))
	if query == "" {
		s.writeError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit, ok := s.limit(w, r)
	if !ok {
		return
	}

	key := s.client.Keys().QueryKey(prefix, url.Values{
		"query": {query},
		"limit": {strconv.Itoa(limit)},
	})
	v, err := s.client.Cache().GetOrLoad(r.Context(), key, func(ctx context.Context) (any, error) {
		return find(ctx, query, limit)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"query":  query,
			"search": prefix,
		}).Error("failed to search tweets")
		s.writeError(w, http.StatusInternalServerError, "could not search tweets")
		return
	}
	s.writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleGetTweet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tweetID(w, r)
	if !ok {
		return
	}

	tweet, err := s.cachedTweet(r.Context(), id)
	if err != nil {
		s.writeTweetError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tweet)
}

// handleUpdateTweet changes the content of a tweet. Cached reads of it
// stay stale until their TTL runs out.
func (s *Server) handleUpdateTweet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tweetID(w, r)
	if !ok {
		return
	}

	var req updateTweetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Content == nil {
		s.writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	tweet, err := s.client.Tweets().UpdateTweet(r.Context(), id, *req.Content)
	if err != nil {
		s.writeTweetError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, tweet)
}

// handleDeleteTweet removes a tweet. Its pending likes are dropped by the
// reconciler.
func (s *Server) handleDeleteTweet(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tweetID(w, r)
	if !ok {
		return
	}

	if err := s.client.Tweets().DeleteTweet(r.Context(), id); err != nil {
		s.writeTweetError(w, id, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "tweet deleted"})
}

// handleLike accepts a like. The tweet must exist, which is checked against
// the cached read path so hot tweets cost no primary store read.
func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tweetID(w, r)
	if !ok {
		return
	}

	if _, err := s.cachedTweet(r.Context(), id); err != nil {
		s.writeTweetError(w, id, err)
		return
	}

	res, err := s.client.Like(r.Context(), id)
	switch {
	case errors.Is(err, likebatch.ErrInvalidTweetID):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, likebatch.ErrTransient):
		w.Header().Set("Retry-After", "1")
		s.writeError(w, http.StatusServiceUnavailable, "like not recorded, retry later")
	case err != nil:
		s.logger.WithError(err).WithField("tweet_id", id).Error("failed to like tweet")
		s.writeError(w, http.StatusInternalServerError, "could not like tweet")
	default:
		s.writeJSON(w, http.StatusAccepted, res)
	}
}

// handleLikes reports the applied like count straight from the primary
// store next to the likes still waiting in the batch store.
func (s *Server) handleLikes(w http.ResponseWriter, r *http.Request) {
	id, ok := s.tweetID(w, r)
	if !ok {
		return
	}

	tweet, err := s.client.Tweets().GetTweet(r.Context(), id)
	if err != nil {
		s.writeTweetError(w, id, err)
		return
	}

	pending, err := s.client.Intake().Pending(r.Context(), id)
	if err != nil {
		s.logger.WithError(err).WithField("tweet_id", id).Warn("failed to read pending likes")
		s.writeError(w, http.StatusServiceUnavailable, "pending likes unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, likesResponse{
		TweetID:   id,
		LikeCount: tweet.LikeCount,
		Pending:   pending,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := s.client.Config().Reconciler
	policy := map[string]interface{}{
		"size":          cfg.FlushSize,
		"age_seconds":   cfg.FlushAge.Seconds(),
		"poll_seconds":  cfg.PollInterval.Seconds(),
		"max_flush_rps": cfg.MaxFlushRate,
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "healthy",
		"reconciler":   s.client.Reconciler().IsRunning(),
		"stream":       s.client.StreamEnabled(),
		"flush_policy": policy,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.client.Cache().Stats())
}

func (s *Server) cachedTweet(ctx context.Context, id int64) (*core.Tweet, error) {
	key := s.client.Keys().Key("tweet", id)
	v, err := s.client.Cache().GetOrLoad(ctx, key, func(ctx context.Context) (any, error) {
		return s.client.Tweets().GetTweet(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.Tweet), nil
}

func (s *Server) tweetID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusNotFound, "tweet not found")
		return 0, false
	}
	return id, true
}

func (s *Server) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}

func (s *Server) writeTweetError(w http.ResponseWriter, id int64, err error) {
	if errors.Is(err, core.ErrTweetNotFound) {
		s.writeError(w, http.StatusNotFound, "tweet not found")
		return
	}
	s.logger.WithError(err).WithField("tweet_id", id).Error("tweet store request failed")
	s.writeError(w, http.StatusInternalServerError, "tweet store unavailable")
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Warn("could not encode response")
	}
}
