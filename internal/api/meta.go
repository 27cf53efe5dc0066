package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"opaca/internal/schema"
)

type metaListItem struct {
	Slug   string `json:"slug"`
	Name   string `json:"name"`
	Icon   string `json:"icon"`
	Fields int    `json:"fields"`
}

// GET /api/meta
func (h *Handler) MetaList(c *gin.Context) {
	slugs := h.engine.Tables()
	sort.Strings(slugs)

	out := make([]metaListItem, 0, len(slugs))
	for _, slug := range slugs {
		col, _ := h.engine.Collection(slug)
		out = append(out, metaListItem{
			Slug: col.Slug, Name: col.Name, Icon: col.Icon, Fields: len(col.Fields),
		})
	}
	c.JSON(http.StatusOK, out)
}

type metaField struct {
	Name         string                     `json:"name"`
	Type         schema.Kind                `json:"type"`
	ColumnName   string                     `json:"columnName"`
	Path         string                     `json:"path"`
	Required     bool                       `json:"required,omitempty"`
	Unique       bool                       `json:"unique,omitempty"`
	Indexed      bool                       `json:"indexed,omitempty"`
	Default      any                        `json:"default,omitempty"`
	Enum         []string                   `json:"enum,omitempty"`
	Relationship *schema.Relationship       `json:"relationship,omitempty"`
	Options      []schema.Option            `json:"options,omitempty"`
	ValueSource  *schema.SelectRelationship `json:"valueSource,omitempty"`
}

type metaCollection struct {
	Slug       string      `json:"slug"`
	Name       string      `json:"name"`
	Icon       string      `json:"icon"`
	PrimaryKey string      `json:"primaryKey"`
	Fields     []metaField `json:"fields"`
}

// GET /api/meta/:table
func (h *Handler) MetaTable(c *gin.Context) {
	col, ok := h.engine.Collection(c.Param("table"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "table not found"})
		return
	}

	fields := make([]metaField, 0, len(col.Fields))
	for _, f := range col.Fields {
		mf := metaField{
			Name:       f.Name,
			Type:       f.Type,
			ColumnName: f.ColumnName,
			Path:       f.Path,
			Required:   f.Required,
			Unique:     f.Unique,
			Indexed:    f.Indexed,
			Default:    f.Default,
			Enum:       f.Enum,
		}
		if f.Type == schema.KindRelationship {
			mf.Relationship = f.Relationship
		}
		if f.Type == schema.KindSelect && f.Select != nil {
			mf.Options = f.Select.Options
			mf.ValueSource = f.Select.Relationship
		}
		fields = append(fields, mf)
	}

	c.JSON(http.StatusOK, metaCollection{
		Slug:       col.Slug,
		Name:       col.Name,
		Icon:       col.Icon,
		PrimaryKey: col.PrimaryKey,
		Fields:     fields,
	})
}
