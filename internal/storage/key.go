package storage

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-testengine/internal/exam"
)

type Namespace string

const (
	NamespaceCache    Namespace = "cache"
	NamespaceProgress Namespace = "progress"
	NamespacePending  Namespace = "pending"
	NamespaceAccess   Namespace = "access"
)

func (ns Namespace) Prefix() string { return string(ns) + "/" }

// Key is the structured composite key for every local record. Its string
// form always has five escaped segments, so no two distinct keys collide.
type Key struct {
	Namespace       Namespace
	ParticipantID   string
	TestType        exam.TestType
	CourseSessionID string
	ID              string
}

// CacheKey addresses the cached question set for a test type and course session.
func CacheKey(testType exam.TestType, courseSessionID string) Key {
	return Key{Namespace: NamespaceCache, TestType: testType, CourseSessionID: courseSessionID}
}

// ProgressKey addresses the single offline progress record of an attempt.
func ProgressKey(participantID string, testType exam.TestType, courseSessionID string) Key {
	return Key{Namespace: NamespaceProgress, ParticipantID: participantID, TestType: testType, CourseSessionID: courseSessionID}
}

// PendingKey addresses a queued submission by its locally generated id.
func PendingKey(submissionID string) Key {
	return Key{Namespace: NamespacePending, ID: submissionID}
}

// AccessKey addresses the last access resolution that succeeded online for a
// participant and test type.
func AccessKey(participantID string, testType exam.TestType) Key {
	return Key{Namespace: NamespaceAccess, ParticipantID: participantID, TestType: testType}
}

func (k Key) String() string {
	parts := []string{
		string(k.Namespace),
		url.PathEscape(k.ParticipantID),
		url.PathEscape(string(k.TestType)),
		url.PathEscape(k.CourseSessionID),
		url.PathEscape(k.ID),
	}
	return strings.Join(parts, "/")
}

func ParseKey(s string) (Key, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 {
		return Key{}, fmt.Errorf("storage: malformed key %q", s)
	}
	dec := make([]string, 4)
	for i, p := range parts[1:] {
		v, err := url.PathUnescape(p)
		if err != nil {
			return Key{}, fmt.Errorf("storage: malformed key %q: %w", s, err)
		}
		dec[i] = v
	}
	return Key{
		Namespace:       Namespace(parts[0]),
		ParticipantID:   dec[0],
		TestType:        exam.TestType(dec[1]),
		CourseSessionID: dec[2],
		ID:              dec[3],
	}, nil
}
