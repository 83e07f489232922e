package payload

import (
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/pipesync/internal/config"
	"github.com/hyperengineering/pipesync/internal/types"
)

// RenderContext carries the collaborator data variable templates draw from.
// Any of the entity pointers may be nil; unresolvable variables render empty
// and are dropped.
type RenderContext struct {
	User  *types.UserData
	Order *types.Order
	Site  config.SiteParams
}

// Render resolves a variable list against the context and joins the
// non-empty results with single spaces. Used for deal titles, product
// comments, and logic-block candidate values.
func Render(vars []config.Variable, rc RenderContext) string {
	parts := make([]string, 0, len(vars))
	for _, v := range vars {
		if s := renderOne(v, rc); strings.TrimSpace(s) != "" {
			parts = append(parts, strings.TrimSpace(s))
		}
	}
	return strings.Join(parts, " ")
}

func renderOne(v config.Variable, rc RenderContext) string {
	switch v.Source {
	case "literal":
		return v.Key
	case "user":
		return renderUser(v.Key, rc.User)
	case "order":
		return renderOrder(v.Key, rc.Order)
	case "site":
		return renderSite(v.Key, rc.Site)
	}
	return ""
}

func renderUser(key string, u *types.UserData) string {
	if u == nil {
		return ""
	}
	switch key {
	case "ID", "id":
		return strconv.FormatInt(u.ID, 10)
	case "user_login":
		return u.Login
	case "user_email":
		return u.Email
	case "display_name":
		return u.DisplayName
	case "registered_at":
		return u.RegisteredAt.UTC().Format(time.RFC3339)
	}
	return u.Meta[key]
}

func renderOrder(key string, o *types.Order) string {
	if o == nil {
		return ""
	}
	switch key {
	case "id":
		return strconv.FormatInt(o.ID, 10)
	case "status":
		return o.Status
	case "currency":
		return o.Currency
	case "total":
		return strconv.FormatFloat(o.Total, 'f', -1, 64)
	case "created_at":
		return o.CreatedAt.UTC().Format(time.RFC3339)
	}
	return o.Meta[key]
}

func renderSite(key string, s config.SiteParams) string {
	switch key {
	case "name":
		return s.Name
	case "url":
		return s.URL
	case "currency":
		return s.Currency
	}
	return s.Meta[key]
}
