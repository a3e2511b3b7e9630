package ttlreaper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

type fakeLister struct {
	namespaces []corev1.Namespace
	err        error
}

func (f *fakeLister) ManagedNamespaces(context.Context) ([]corev1.Namespace, error) {
	return f.namespaces, f.err
}

type fakeDeleter struct {
	deleted []string
}

func (f *fakeDeleter) DeleteNamespace(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func nsWithDeadline(name string, deadline time.Time) corev1.Namespace {
	return corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:        name,
			Annotations: map[string]string{DeleteAfterAnnotation: deadline.Format(time.RFC3339)},
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSweepDeletesOnlyExpiredNamespaces(t *testing.T) {
	now := time.Now()
	lister := &fakeLister{namespaces: []corev1.Namespace{
		nsWithDeadline("expired-1", now.Add(-time.Hour)),
		nsWithDeadline("not-yet", now.Add(time.Hour)),
		{ObjectMeta: metav1.ObjectMeta{Name: "no-annotation"}},
	}}
	deleter := &fakeDeleter{}
	r := New(lister, deleter, time.Minute, discardLogger())

	r.sweep(context.Background())

	assert.Equal(t, []string{"expired-1"}, deleter.deleted)
}

func TestSweepSkipsUnparseableAnnotation(t *testing.T) {
	lister := &fakeLister{namespaces: []corev1.Namespace{
		{ObjectMeta: metav1.ObjectMeta{
			Name:        "garbage",
			Annotations: map[string]string{DeleteAfterAnnotation: "not-a-timestamp"},
		}},
	}}
	deleter := &fakeDeleter{}
	r := New(lister, deleter, time.Minute, discardLogger())

	r.sweep(context.Background())

	assert.Equal(t, 0, len(deleter.deleted))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	lister := &fakeLister{}
	deleter := &fakeDeleter{}
	r := New(lister, deleter, time.Millisecond, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := r.Run(ctx)
	assert.NoError(t, err)
}

func TestNewDefaultsZeroInterval(t *testing.T) {
	r := New(&fakeLister{}, &fakeDeleter{}, 0, discardLogger())
	assert.Equal(t, DefaultInterval, r.interval)
}
