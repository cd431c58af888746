package series

import (
	"context"
	"fmt"
	"html"
	"regexp"
	"strings"
)

// NavCSSClass anchors the navigation block in rendered content; replacement
// finds the old block by this class.
const NavCSSClass = "series-nav"

var navBlockPattern = regexp.MustCompile(
	`(?s)<div class="` + NavCSSClass + `"[^>]*>.*?</div>\s*</div>`)

// CMS reads and writes rendered document content on the publishing platform.
type CMS interface {
	GetRenderedContent(ctx context.Context, postID int64) (string, error)
	ReplaceContent(ctx context.Context, postID int64, content string) error
}

// BuildNavigation renders the navigation block for a freshly placed
// document: series title, position, and a link back to the previous
// installment when one exists.
func BuildNavigation(dec *Decision) string {
	var prevLink string
	if dec.Previous != nil && dec.Previous.SourceURL != nil {
		prevLink = fmt.Sprintf(
			"    <a href=%q style=\"color:#1a73e8;text-decoration:none;\">← 上一篇：%s</a>\n",
			html.EscapeString(*dec.Previous.SourceURL),
			html.EscapeString(dec.Previous.Title))
	}
	return navBlock(dec.SeriesTitle, dec.Order, dec.Total, prevLink, "")
}

// InjectNavigation appends the navigation block to the document body.
func InjectNavigation(htmlBody string, dec *Decision) string {
	return strings.TrimRight(htmlBody, " \t\r\n") + "\n\n" + BuildNavigation(dec)
}

// ReplaceNavigation swaps an existing navigation block for newNav, or
// appends newNav when the content has none yet.
func ReplaceNavigation(content, newNav string) string {
	if loc := navBlockPattern.FindStringIndex(content); loc != nil {
		return content[:loc[0]] + newNav + content[loc[1]:]
	}
	return strings.TrimRight(content, " \t\r\n") + "\n\n" + newNav
}

// BuildBackfillNavigation renders the navigation block for an already
// published installment, adding a forward link to the document that just
// joined after it.
func BuildBackfillNavigation(seriesTitle string, order, total int,
	prev *Member, nextTitle, nextURL string) string {

	var prevLink string
	if prev != nil && prev.SourceURL != nil {
		prevLink = fmt.Sprintf(
			"    <a href=%q style=\"color:#1a73e8;text-decoration:none;\">← 上一篇：%s</a>\n",
			html.EscapeString(*prev.SourceURL), html.EscapeString(prev.Title))
	}
	nextLink := fmt.Sprintf(
		"    <a href=%q style=\"color:#1a73e8;text-decoration:none;\">下一篇：%s →</a>\n",
		html.EscapeString(nextURL), html.EscapeString(nextTitle))

	return navBlock(seriesTitle, order, total, prevLink, nextLink)
}

func navBlock(seriesTitle string, order, total int, prevLink, nextLink string) string {
	return fmt.Sprintf(
		`<div class="%s" style="margin:2em 0;padding:1.5em;border:1px solid #e0e0e0;border-radius:8px;background:#f9f9f9;">
  <p style="margin:0 0 0.8em;font-weight:bold;color:#333;">
    📚 本文属于系列：《%s》（第 %d/%d 篇）
  </p>
  <div style="display:flex;justify-content:space-between;gap:1em;">
%s%s  </div>
</div>`,
		NavCSSClass, html.EscapeString(seriesTitle), order, total, prevLink, nextLink)
}

// Backfill rewrites the previous installment's navigation so it links
// forward to the document that just joined. Best-effort: every failure is
// logged and swallowed so the publish path never stalls on it.
func (d *Detector) Backfill(ctx context.Context, cms CMS, dec *Decision,
	nextTitle, nextURL string) {

	if dec == nil || dec.Previous == nil || dec.Previous.PostID == nil {
		return
	}
	logger := d.logger.With("series", dec.SeriesID, "prev", dec.Previous.ID)

	content, err := cms.GetRenderedContent(ctx, *dec.Previous.PostID)
	if err != nil {
		logger.Warn("backfill skipped: fetching previous content failed", "error", err)
		return
	}
	if content == "" {
		logger.Warn("backfill skipped: previous content empty")
		return
	}

	// The previous installment's own predecessor, when it has one.
	var prevOfPrev *Member
	if dec.Order > 2 {
		members, err := d.idx.SeriesMembers(ctx, dec.SeriesID)
		if err != nil {
			logger.Warn("backfill: loading series members failed", "error", err)
		} else {
			for i, m := range members {
				if m.ID == dec.Previous.ID && i > 0 {
					prevOfPrev = &Member{
						ID:        members[i-1].ID,
						Title:     members[i-1].Title,
						SourceURL: members[i-1].SourceURL,
						PostID:    members[i-1].PostID,
					}
					break
				}
			}
		}
	}

	newNav := BuildBackfillNavigation(
		dec.SeriesTitle, dec.Order-1, dec.Total, prevOfPrev, nextTitle, nextURL)
	updated := ReplaceNavigation(content, newNav)

	if err := cms.ReplaceContent(ctx, *dec.Previous.PostID, updated); err != nil {
		logger.Warn("backfill: writing previous content failed", "error", err)
		return
	}
	logger.Info("previous installment navigation updated", "post_id", *dec.Previous.PostID)
}
