package collab

import (
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestCommentRoundTrip(t *testing.T) {
	content := AddComment("hello world", Comment{
		Author:     "user-42",
		AuthorName: "Grace Hopper",
		Content:    "nice post",
	})

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Author, "user-42")
	assert.Equal(t, comments[0].AuthorName, "Grace Hopper")
	assert.Equal(t, comments[0].Content, "nice post")
	assert.Equal(t, comments[0].Id == "", false)
	assert.Equal(t, comments[0].Date.IsZero(), false)
	assert.Equal(t, comments[0].Updated.IsZero(), true)
}

func TestCommentPreservedIdentity(t *testing.T) {
	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	content := AddComment("hello", Comment{
		Id:         "comment-1",
		Author:     "user-1",
		AuthorName: "Ada",
		Date:       date,
		Content:    "first",
	})

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Id, "comment-1")
	assert.Equal(t, comments[0].Date.Equal(date), true)
}

func TestCommentUpdate(t *testing.T) {
	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	content := AddComment("hello", Comment{
		Id:         "comment-1",
		Author:     "user-1",
		AuthorName: "Ada",
		Date:       date,
		Content:    "first",
	})
	content = AddComment(content, Comment{
		Id:         "comment-2",
		Author:     "user-2",
		AuthorName: "Grace",
		Date:       date,
		Content:    "second",
	})

	content, ok := UpdateComment(content, "comment-1", "first, edited")
	assert.Equal(t, ok, true)

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 2)
	// only content and updated changed
	assert.Equal(t, comments[0].Id, "comment-1")
	assert.Equal(t, comments[0].Author, "user-1")
	assert.Equal(t, comments[0].Date.Equal(date), true)
	assert.Equal(t, comments[0].Content, "first, edited")
	assert.Equal(t, comments[0].Updated.IsZero(), false)
	// the other comment is untouched
	assert.Equal(t, comments[1].Content, "second")
	assert.Equal(t, comments[1].Updated.IsZero(), true)

	_, ok = UpdateComment(content, "comment-404", "x")
	assert.Equal(t, ok, false)
}

func TestCommentDelete(t *testing.T) {
	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	content := "hello"
	for _, id := range []string{"c1", "c2", "c3"} {
		content = AddComment(content, Comment{
			Id:         id,
			Author:     "user-1",
			AuthorName: "Ada",
			Date:       date,
			Content:    "body " + id,
		})
	}

	content = DeleteComment(content, "c2")

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 2)
	assert.Equal(t, comments[0].Id, "c1")
	assert.Equal(t, comments[1].Id, "c3")
	assert.Equal(t, strings.Contains(content, "body c2"), false)

	// deleting an unknown id is a no-op
	assert.Equal(t, DeleteComment(content, "c404"), content)
}

func TestCommentAuthorNameEncoding(t *testing.T) {
	content := AddComment("hello", Comment{
		Id:         "c1",
		Author:     "user-1",
		AuthorName: "name:with = odd & chars",
		Content:    "body",
	})

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].AuthorName, "name:with = odd & chars")
}

func TestCommentUnmatchedStart(t *testing.T) {
	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	content := AddComment("hello", Comment{
		Id:         "c1",
		Author:     "user-1",
		AuthorName: "Ada",
		Date:       date,
		Content:    "body",
	})
	// a dangling start with no end later in the text is ignored
	content += "\n\n<!-- comment:start:id=c2:author=u2:authorName=G:date=2024-05-01T10:00:00Z -->\ndangling"

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Id, "c1")
}

func TestCommentDecodeFailsClosed(t *testing.T) {
	// bad date fails closed, the region is skipped, the rest still parses
	content := "<!-- comment:start:id=cbad:author=u1:authorName=A:date=nope -->\nx\n<!-- comment:end -->"
	content = AddComment(content, Comment{
		Id:         "cgood",
		Author:     "u2",
		AuthorName: "B",
		Date:       time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Content:    "y",
	})

	comments := ParseComments(content)
	assert.Equal(t, len(comments), 1)
	assert.Equal(t, comments[0].Id, "cgood")
}

func TestExtractContentWithoutComments(t *testing.T) {
	date := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	content := AddComment("hello world", Comment{
		Id:         "c1",
		Author:     "u1",
		AuthorName: "Ada",
		Date:       date,
		Content:    "comment body",
	})

	extracted := ExtractContentWithoutComments(content)
	assert.Equal(t, strings.Contains(extracted, "comment body"), false)
	assert.Equal(t, strings.Contains(extracted, "comment:start"), false)
	assert.Equal(t, strings.Contains(extracted, "hello world"), true)

	// idempotent
	assert.Equal(t, ExtractContentWithoutComments(extracted), extracted)
}
