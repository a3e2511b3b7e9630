// Package runstore is the document-store client for the canonical Run
// record, the aggregated build log, and the append-only log lines, backed
// by the "runs", "build_logs", and "logs" collections.
package runstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"

	"github.com/eladsalama/reporunner/internal/run"
)

const pkgName = "github.com/eladsalama/reporunner/internal/runstore"

// ErrNoResult is returned by client methods when the requested document does
// not exist.
var ErrNoResult = errors.New("runstore: no result")

// ErrAlreadyExists is returned by InsertRun when a run with the same RunID
// has already been inserted. Callers treat this as a no-op success.
var ErrAlreadyExists = errors.New("runstore: run already exists")

// Client is a MongoDB-backed document store for runs and their logs.
type Client struct {
	runs      *mongo.Collection
	buildLogs *mongo.Collection
	logs      *mongo.Collection
}

// NewClient connects to dsn, selects database, and ensures the collection
// indexes this package relies on exist. Index creation is idempotent:
// Mongo no-ops a CreateIndexes call for an index that already exists with
// the same definition.
func NewClient(ctx context.Context, dsn, database string) (*Client, error) {
	mc, err := mongo.Connect(ctx, options.Client().ApplyURI(dsn))
	if err != nil {
		return nil, fmt.Errorf("couldn't connect to document store: %v", err)
	}
	if err := mc.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("couldn't ping document store: %v", err)
	}
	db := mc.Database(database)
	c := &Client{
		runs:      db.Collection("runs"),
		buildLogs: db.Collection("build_logs"),
		logs:      db.Collection("logs"),
	}
	if err := c.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) ensureIndexes(ctx context.Context) error {
	_, err := c.runs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "repoUrl", Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("couldn't create runs index: %v", err)
	}
	_, err = c.buildLogs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "_id", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("couldn't create build_logs index: %v", err)
	}
	_, err = c.logs.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "runId", Value: 1},
			{Key: "source", Value: 1},
			{Key: "serviceName", Value: 1},
			{Key: "timestamp", Value: 1},
		},
	})
	if err != nil {
		return fmt.Errorf("couldn't create logs index: %v", err)
	}
	return nil
}

// storedRun is the flattened BSON representation of run.Run. mongo-driver
// cannot marshal/unmarshal the Payload interface field directly (it has no
// registered concrete type to decode into), so storage uses this DTO with
// the two Payload variants flattened into optional sibling fields, and
// toStored/fromStored translate to and from the tagged-variant run.Run at
// the store boundary only. This keeps the Payload interface idiomatic
// everywhere else in the codebase.
type storedRun struct {
	RunID          string     `bson:"_id"`
	Repo           string     `bson:"repoUrl"`
	Branch         string     `bson:"branch"`
	Mode           run.Mode   `bson:"mode"`
	ComposePath    string     `bson:"composePath,omitempty"`
	PrimaryService string     `bson:"primaryService,omitempty"`
	Status         run.Status `bson:"status"`
	Tenant         string     `bson:"tenant,omitempty"`
	PreviewURL     string     `bson:"previewUrl,omitempty"`
	ImageRef       string     `bson:"imageRef,omitempty"`
	Images         []string   `bson:"images,omitempty"`
	Ports          []int      `bson:"ports,omitempty"`
	Error          string     `bson:"error,omitempty"`
	LogsRef        string     `bson:"logsRef,omitempty"`
	CreatedAt      time.Time  `bson:"createdAt"`
	StartedAt      *time.Time `bson:"startedAt,omitempty"`
	CompletedAt    *time.Time `bson:"completedAt,omitempty"`
}

func toStored(r *run.Run) storedRun {
	s := storedRun{
		RunID:          r.RunID,
		Repo:           r.Repo,
		Branch:         r.Branch,
		Mode:           r.Mode,
		ComposePath:    r.ComposePath,
		PrimaryService: r.PrimaryService,
		Status:         r.Status,
		Tenant:         r.Tenant,
		PreviewURL:     r.PreviewURL,
		Error:          r.Error,
		LogsRef:        r.LogsRef,
		CreatedAt:      r.CreatedAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
	}
	switch p := r.Payload.(type) {
	case run.SingleImagePayload:
		s.ImageRef = p.ImageRef
		s.Ports = p.Ports
	case run.MultiServicePayload:
		s.Images = p.Images
		s.Ports = p.Ports
	}
	return s
}

func fromStored(s storedRun) *run.Run {
	r := &run.Run{
		RunID:          s.RunID,
		Repo:           s.Repo,
		Branch:         s.Branch,
		Mode:           s.Mode,
		ComposePath:    s.ComposePath,
		PrimaryService: s.PrimaryService,
		Status:         s.Status,
		Tenant:         s.Tenant,
		PreviewURL:     s.PreviewURL,
		Error:          s.Error,
		LogsRef:        s.LogsRef,
		CreatedAt:      s.CreatedAt,
		StartedAt:      s.StartedAt,
		CompletedAt:    s.CompletedAt,
	}
	switch {
	case s.Mode == run.ModeSingleImage && (s.ImageRef != "" || len(s.Ports) > 0):
		r.Payload = run.SingleImagePayload{ImageRef: s.ImageRef, Ports: s.Ports}
	case s.Mode == run.ModeMultiService && (len(s.Images) > 0 || len(s.Ports) > 0):
		r.Payload = run.MultiServicePayload{Images: s.Images, Ports: s.Ports}
	}
	return r
}

// InsertRun creates the Run document. If a document with the same RunID
// already exists, ErrAlreadyExists is returned so the caller (the
// coordinator's RunRequested handler) can treat it as an idempotent no-op.
func (c *Client) InsertRun(ctx context.Context, r *run.Run) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "InsertRun")
	defer span.End()
	_, err := c.runs.InsertOne(ctx, toStored(r))
	if mongo.IsDuplicateKeyError(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("couldn't insert run %s: %v", r.RunID, err)
	}
	return nil
}

// GetRun returns the Run document identified by runID.
func (c *Client) GetRun(ctx context.Context, runID string) (*run.Run, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "GetRun")
	defer span.End()
	var s storedRun
	err := c.runs.FindOne(ctx, bson.D{{Key: "_id", Value: runID}}).Decode(&s)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't get run %s: %v", runID, err)
	}
	return fromStored(s), nil
}

// ReplaceRun replaces the Run document identified by r.RunID in full. The
// caller is responsible for not regressing Status; see run.CanTransition.
func (c *Client) ReplaceRun(ctx context.Context, r *run.Run) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "ReplaceRun")
	defer span.End()
	res, err := c.runs.ReplaceOne(ctx, bson.D{{Key: "_id", Value: r.RunID}}, toStored(r))
	if err != nil {
		return fmt.Errorf("couldn't replace run %s: %v", r.RunID, err)
	}
	if res.MatchedCount == 0 {
		return ErrNoResult
	}
	return nil
}

// SaveBuildLog upserts the aggregated build log blob for one run.
func (c *Client) SaveBuildLog(ctx context.Context, bl run.BuildLog) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "SaveBuildLog")
	defer span.End()
	_, err := c.buildLogs.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: bl.RunID}}, bl,
		options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("couldn't save build log for %s: %v", bl.RunID, err)
	}
	return nil
}

// GetBuildLog returns the aggregated build log for runID.
func (c *Client) GetBuildLog(ctx context.Context, runID string) (*run.BuildLog, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "GetBuildLog")
	defer span.End()
	var bl run.BuildLog
	err := c.buildLogs.FindOne(ctx, bson.D{{Key: "_id", Value: runID}}).Decode(&bl)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNoResult
	}
	if err != nil {
		return nil, fmt.Errorf("couldn't get build log for %s: %v", runID, err)
	}
	return &bl, nil
}

// AppendLogLine inserts one line of build or run output.
func (c *Client) AppendLogLine(ctx context.Context, line run.LogLine) error {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "AppendLogLine")
	defer span.End()
	_, err := c.logs.InsertOne(ctx, line)
	if err != nil {
		return fmt.Errorf("couldn't append log line for %s: %v", line.RunID, err)
	}
	return nil
}

// LogLines returns the lines for (runID, source, serviceName) in ascending
// timestamp order. serviceName may be empty to match single-image runs.
func (c *Client) LogLines(ctx context.Context, runID string, source run.LogSource, serviceName string) ([]run.LogLine, error) {
	ctx, span := otel.Tracer(pkgName).Start(ctx, "LogLines")
	defer span.End()
	filter := bson.D{
		{Key: "runId", Value: runID},
		{Key: "source", Value: source},
		{Key: "serviceName", Value: serviceName},
	}
	cur, err := c.logs.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("couldn't query log lines for %s: %v", runID, err)
	}
	defer cur.Close(ctx)
	var lines []run.LogLine
	if err := cur.All(ctx, &lines); err != nil {
		return nil, fmt.Errorf("couldn't decode log lines for %s: %v", runID, err)
	}
	return lines, nil
}
