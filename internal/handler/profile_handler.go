package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/hitoshi/memberhub/internal/authstate"
	"github.com/hitoshi/memberhub/internal/metrics"
	"github.com/hitoshi/memberhub/internal/middleware"
	"github.com/hitoshi/memberhub/internal/model"
)

// maxProfileBodySize はPUT /api/profile のリクエストボディ上限。
const maxProfileBodySize = 64 << 10

// maxErrorDetailRunes は画面に出す保存失敗の詳細の最大文字数。
const maxErrorDetailRunes = 200

// ProfileService はプロフィールハンドラーが必要とするサービスインターフェース。
type ProfileService interface {
	Load(ctx context.Context, user *model.User) (*model.Profile, error)
	Save(ctx context.Context, user *model.User, buffer model.Profile) (*model.Profile, error)
}

// ProfileHandler はプロフィールの表示と編集のハンドラー。
// ルートはRequireUserの内側に配置する。
type ProfileHandler struct {
	views   *Views
	service ProfileService
	metrics metrics.MetricsCollector
}

// NewProfileHandler はProfileHandlerを生成する。collectorはnilでもよい。
func NewProfileHandler(views *Views, service ProfileService, collector metrics.MetricsCollector) *ProfileHandler {
	return &ProfileHandler{
		views:   views,
		service: service,
		metrics: collector,
	}
}

// Show はプロフィールを表示する。?saved=1 の場合は保存完了メッセージを出す。
// GET /profile
func (h *ProfileHandler) Show(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	data := viewData{Title: "Profile", User: user}

	profile, err := h.service.Load(r.Context(), user)
	if err != nil {
		slog.Error("failed to load profile", slog.String("error", err.Error()))
		data.Error = msgProfileLoadFailed
		h.views.render(w, r, http.StatusInternalServerError, pageProfile, data)
		return
	}

	data.Profile = profile
	if r.URL.Query().Get("saved") == "1" {
		data.Notice = msgProfileSaved
	}
	h.views.render(w, r, http.StatusOK, pageProfile, data)
}

// Edit は編集フォームを表示する。フォームの初期値は保存済みのプロフィール。
// GET /profile/edit
func (h *ProfileHandler) Edit(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	data := viewData{Title: "Edit Profile", User: user}

	profile, err := h.service.Load(r.Context(), user)
	if err != nil {
		slog.Error("failed to load profile", slog.String("error", err.Error()))
		data.Error = msgProfileLoadFailed
		h.views.render(w, r, http.StatusInternalServerError, pageProfile, data)
		return
	}

	data.Profile = profile
	h.views.render(w, r, http.StatusOK, pageEdit, data)
}

// Save は編集内容を保存する。
// 失敗した場合は入力内容を残したままフォームを再表示する。
// POST /profile
func (h *ProfileHandler) Save(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)
	buffer := model.Profile{
		Name:      r.PostFormValue("name"),
		Email:     r.PostFormValue("email"),
		Bio:       r.PostFormValue("bio"),
		Location:  r.PostFormValue("location"),
		AvatarURL: r.PostFormValue("avatarUrl"),
	}

	saved, err := h.service.Save(r.Context(), user, buffer)
	h.recordSave(err == nil)
	if err != nil {
		data := viewData{Title: "Edit Profile", User: user, Profile: &buffer}
		var apiErr *model.APIError
		switch {
		case errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeInvalidInput:
			data.Error = apiErr.Message
		case errors.As(err, &apiErr) && apiErr.Code == model.ErrCodeProfileSaveFailed:
			data.Error = saveFailureMessage(apiErr.Message)
		default:
			data.Error = msgProfileSaveFailed
		}
		h.views.render(w, r, http.StatusUnprocessableEntity, pageEdit, data)
		return
	}

	h.syncDisplayName(r, user, saved)
	http.Redirect(w, r, profilePath+"?saved=1", http.StatusSeeOther)
}

// saveFailureMessage は保存失敗の詳細を定型文の後ろに付けて返す。
// 詳細は1行目のみ、maxErrorDetailRunes文字までに切り詰める。
func saveFailureMessage(detail string) string {
	detail, _, _ = strings.Cut(detail, "\n")
	detail = strings.TrimSpace(detail)
	if detail == "" || detail == msgProfileSaveFailed {
		return msgProfileSaveFailed
	}
	if runes := []rune(detail); len(runes) > maxErrorDetailRunes {
		detail = string(runes[:maxErrorDetailRunes]) + "…"
	}
	return msgProfileSaveFailed + ": " + detail
}

// GetJSON はプロフィールをJSONで返す。
// GET /api/profile
func (h *ProfileHandler) GetJSON(w http.ResponseWriter, r *http.Request) {
	profile, err := h.service.Load(r.Context(), currentUser(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// PutJSON はJSONで受け取った編集内容を保存し、保存後のプロフィールを返す。
// PUT /api/profile
func (h *ProfileHandler) PutJSON(w http.ResponseWriter, r *http.Request) {
	user := currentUser(r)

	var buffer model.Profile
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxProfileBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&buffer); err != nil {
		middleware.WriteError(w, r, model.NewInvalidInputError("request body must be a profile JSON object"))
		return
	}

	saved, err := h.service.Save(r.Context(), user, buffer)
	h.recordSave(err == nil)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}

	h.syncDisplayName(r, user, saved)
	writeJSON(w, http.StatusOK, saved)
}

// syncDisplayName は名前が変わった場合にセッションのユーザーの表示名も更新する。
// 失敗してもプロフィールの保存は成功しているのでログのみ残す。
func (h *ProfileHandler) syncDisplayName(r *http.Request, user *model.User, saved *model.Profile) {
	if user == nil || saved == nil || saved.Name == user.DisplayName {
		return
	}
	p := authstate.FromContext(r.Context())
	if p == nil {
		return
	}
	if err := p.UpdateUserProfile(r.Context(), saved.Name); err != nil {
		slog.Warn("failed to update display name",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (h *ProfileHandler) recordSave(ok bool) {
	if h.metrics != nil {
		h.metrics.RecordProfileSave(ok)
	}
}

// currentUser はリクエストのログインユーザーを返す。未ログインの場合はnil。
func currentUser(r *http.Request) *model.User {
	if p := authstate.FromContext(r.Context()); p != nil {
		return p.CurrentUser()
	}
	return nil
}

// RequireUserJSON はJSONエンドポイント用のガード。
// 読み込み中は503、未ログインは401を統一エラーフォーマットで返す。
func RequireUserJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := authstate.FromContext(r.Context())
		switch {
		case p != nil && p.Loading():
			writeSessionLoading(w)
		case p == nil || p.CurrentUser() == nil:
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		default:
			next.ServeHTTP(w, r)
		}
	})
}
