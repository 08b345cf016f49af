package gallery

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"iconostasis/models"
)

// IconFilter narrows the gallery. Zero values mean "no filter".
type IconFilter struct {
	TraditionID uint   `json:"tradition_id,omitempty"`
	Saint       string `json:"saint,omitempty"`
	Century     string `json:"century,omitempty"`
	Region      string `json:"region,omitempty"`
}

func (f IconFilter) Empty() bool {
	return f == IconFilter{}
}

// FilterFromQuery reads saint, tradition_id, century and region from the
// query string. A missing or malformed tradition_id is treated as 0.
func FilterFromQuery(c *gin.Context) IconFilter {
	f := IconFilter{
		Saint:   strings.TrimSpace(c.Query("saint")),
		Century: strings.TrimSpace(c.Query("century")),
		Region:  strings.TrimSpace(c.Query("region")),
	}
	if id, err := strconv.ParseUint(c.Query("tradition_id"), 10, 64); err == nil {
		f.TraditionID = uint(id)
	}
	return f
}

// BuildIconQuery returns the icon listing query with every filter in f
// ANDed together. Substring filters fold case in the database on both sides
// of the LIKE; the saint filter matches when any saint of the icon contains
// the substring.
func BuildIconQuery(db *gorm.DB, f IconFilter) *gorm.DB {
	q := db.Model(&models.Icon{})

	if f.TraditionID != 0 {
		q = q.Where("icons.tradition_id = ?", f.TraditionID)
	}
	if f.Saint != "" {
		q = q.Where(`EXISTS (SELECT 1 FROM icon_saints
			JOIN saints ON saints.id = icon_saints.saint_id
			WHERE icon_saints.icon_id = icons.id AND LOWER(saints.name) LIKE LOWER(?) ESCAPE '!')`, containsPattern(f.Saint))
	}
	if f.Century != "" {
		q = q.Where("LOWER(icons.century) LIKE LOWER(?) ESCAPE '!'", containsPattern(f.Century))
	}
	if f.Region != "" {
		q = q.Where("LOWER(icons.region) LIKE LOWER(?) ESCAPE '!'", containsPattern(f.Region))
	}

	return q.Order("icons.id")
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func containsPattern(s string) string {
	return "%" + likeEscaper.Replace(s) + "%"
}
