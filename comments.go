package collab

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// threaded comments live at the end of the document text, each wrapped in a
// start/end sentinel pair:
//
//	<!-- comment:start:id=<id>:author=<userId>:authorName=<url-encoded>:date=<ISO8601>[:updated=<ISO8601>] -->
//	body
//	<!-- comment:end -->
//
// free-text fields are url-encoded so the micro-grammar stays unambiguous.
// a start sentinel with no matching end later in the text is ignored.

const commentEndSentinel = "<!-- comment:end -->"

var commentStartRe = regexp.MustCompile(`<!-- comment:start:id=(.*?):author=(.*?):authorName=(.*?):date=(.*?)(?::updated=(.*?))? -->`)

type Comment struct {
	Id         string
	Author     string
	AuthorName string
	Date       time.Time
	// zero when the comment was never edited
	Updated time.Time
	Content string
}

func commentStartSentinel(comment Comment) string {
	s := fmt.Sprintf(
		"<!-- comment:start:id=%s:author=%s:authorName=%s:date=%s",
		comment.Id,
		comment.Author,
		url.QueryEscape(comment.AuthorName),
		comment.Date.UTC().Format(time.RFC3339),
	)
	if !comment.Updated.IsZero() {
		s += fmt.Sprintf(":updated=%s", comment.Updated.UTC().Format(time.RFC3339))
	}
	return s + " -->"
}

// commentRegion is the [start, end) byte range of one well-formed comment
// including both sentinels
type commentRegion struct {
	comment Comment
	start   int
	end     int
}

func commentRegions(content string) []commentRegion {
	regions := []commentRegion{}
	cursor := 0
	for {
		loc := commentStartRe.FindStringSubmatchIndex(content[cursor:])
		if loc == nil {
			return regions
		}
		start := cursor + loc[0]
		bodyStart := cursor + loc[1]
		endIndex := strings.Index(content[bodyStart:], commentEndSentinel)
		if endIndex < 0 {
			// unmatched start. ignore it and stop scanning,
			// anything after it has no well-formed end either
			return regions
		}
		end := bodyStart + endIndex + len(commentEndSentinel)

		group := func(i int) string {
			if loc[2*i] < 0 {
				return ""
			}
			return content[cursor+loc[2*i] : cursor+loc[2*i+1]]
		}

		comment := Comment{
			Id:     group(1),
			Author: group(2),
		}
		ok := func() bool {
			authorName, err := url.QueryUnescape(group(3))
			if err != nil {
				return false
			}
			comment.AuthorName = authorName
			date, err := time.Parse(time.RFC3339, group(4))
			if err != nil {
				return false
			}
			comment.Date = date
			if updatedStr := group(5); updatedStr != "" {
				updated, err := time.Parse(time.RFC3339, updatedStr)
				if err != nil {
					return false
				}
				comment.Updated = updated
			}
			return true
		}()
		if ok {
			comment.Content = strings.Trim(content[bodyStart:bodyStart+endIndex], "\n")
			regions = append(regions, commentRegion{
				comment: comment,
				start:   start,
				end:     end,
			})
		}
		// malformed fields fail closed, the region is skipped over
		cursor = end
	}
}

func ParseComments(content string) []Comment {
	regions := commentRegions(content)
	comments := make([]Comment, len(regions))
	for i, region := range regions {
		comments[i] = region.comment
	}
	return comments
}

// AddComment appends one sentinel-wrapped comment to the end of the document.
// An existing id and date can be passed in to preserve identity across an
// edit-then-resubmit flow. Otherwise a fresh id and current timestamp are used.
func AddComment(content string, comment Comment) string {
	if comment.Id == "" {
		comment.Id = uuid.NewString()
	}
	if comment.Date.IsZero() {
		comment.Date = time.Now().UTC()
	}
	block := commentStartSentinel(comment) + "\n" + comment.Content + "\n" + commentEndSentinel
	if content == "" {
		return block
	}
	return strings.TrimRight(content, "\n") + "\n\n" + block
}

// UpdateComment rewrites the body between the matched sentinel pair and
// refreshes the updated field. Id, author and date are left untouched.
func UpdateComment(content string, id string, newContent string) (string, bool) {
	for _, region := range commentRegions(content) {
		if region.comment.Id != id {
			continue
		}
		comment := region.comment
		comment.Content = newContent
		comment.Updated = time.Now().UTC()
		block := commentStartSentinel(comment) + "\n" + newContent + "\n" + commentEndSentinel
		return content[:region.start] + block + content[region.end:], true
	}
	return content, false
}

// DeleteComment removes the whole sentinel-delimited region including the
// blank lines around it. Other comments are left intact.
func DeleteComment(content string, id string) string {
	for _, region := range commentRegions(content) {
		if region.comment.Id != id {
			continue
		}
		start := region.start
		for 0 < start && content[start-1] == '\n' {
			start--
		}
		end := region.end
		for end < len(content) && content[end] == '\n' {
			end++
		}
		if 0 < start && end < len(content) {
			return content[:start] + "\n\n" + content[end:]
		}
		return content[:start] + content[end:]
	}
	return content
}

// ExtractContentWithoutComments returns the text with every comment region
// removed. Idempotent, so it is safe to apply to already-cleaned content
// before it reaches an editable or preview surface.
func ExtractContentWithoutComments(content string) string {
	regions := commentRegions(content)
	if len(regions) == 0 {
		return content
	}
	var out strings.Builder
	cursor := 0
	for _, region := range regions {
		out.WriteString(content[cursor:region.start])
		cursor = region.end
	}
	out.WriteString(content[cursor:])
	return strings.TrimRight(out.String(), "\n")
}
