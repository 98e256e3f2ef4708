package persistence

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/BaSui01/abflow/experiment"
	"github.com/BaSui01/abflow/types"
)

const (
	experimentsCollection = "experiments"
	assignmentsCollection = "experiment_assignments"
)

// experimentDoc experiments 集合文档
type experimentDoc struct {
	Name           string             `bson:"_id"`
	Description    string             `bson:"description,omitempty"`
	Status         string             `bson:"status"`
	VariantNames   []string           `bson:"variant_names"`
	VariantWeights map[string]float64 `bson:"variant_weights,omitempty"`
	StartedAt      time.Time          `bson:"started_at"`
	ConcludedAt    *time.Time         `bson:"concluded_at,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
	UpdatedAt      time.Time          `bson:"updated_at"`
}

// assignmentDoc experiment_assignments 集合文档
type assignmentDoc struct {
	ID             string     `bson:"_id"`
	ExperimentName string     `bson:"experiment_name"`
	SubjectID      string     `bson:"subject_id"`
	Variant        string     `bson:"variant"`
	AssignedAt     time.Time  `bson:"assigned_at"`
	Converted      bool       `bson:"converted"`
	ConvertedAt    *time.Time `bson:"converted_at,omitempty"`
}

func experimentToDoc(exp *experiment.Experiment) *experimentDoc {
	return &experimentDoc{
		Name:           exp.Name,
		Description:    exp.Description,
		Status:         string(exp.Status),
		VariantNames:   append([]string(nil), exp.VariantNames...),
		VariantWeights: copyWeights(exp.VariantWeights),
		StartedAt:      exp.StartedAt,
		ConcludedAt:    exp.ConcludedAt,
		CreatedAt:      exp.CreatedAt,
		UpdatedAt:      exp.UpdatedAt,
	}
}

func (d *experimentDoc) toExperiment() *experiment.Experiment {
	return &experiment.Experiment{
		Name:           d.Name,
		Description:    d.Description,
		Status:         experiment.Status(d.Status),
		VariantNames:   d.VariantNames,
		VariantWeights: d.VariantWeights,
		StartedAt:      d.StartedAt,
		ConcludedAt:    d.ConcludedAt,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

func assignmentToDoc(a *experiment.Assignment) *assignmentDoc {
	return &assignmentDoc{
		ID:             a.ID,
		ExperimentName: a.ExperimentName,
		SubjectID:      a.SubjectID,
		Variant:        a.Variant,
		AssignedAt:     a.AssignedAt,
		Converted:      a.Converted,
		ConvertedAt:    a.ConvertedAt,
	}
}

func (d *assignmentDoc) toAssignment() *experiment.Assignment {
	return &experiment.Assignment{
		ID:             d.ID,
		ExperimentName: d.ExperimentName,
		SubjectID:      d.SubjectID,
		Variant:        d.Variant,
		AssignedAt:     d.AssignedAt,
		Converted:      d.Converted,
		ConvertedAt:    d.ConvertedAt,
	}
}

// MongoStore 基于 MongoDB 的实验存储
type MongoStore struct {
	client      *mongo.Client
	experiments *mongo.Collection
	assignments *mongo.Collection
	logger      *zap.Logger
}

// NewMongoStore 使用已连接的客户端创建存储
func NewMongoStore(client *mongo.Client, databaseName string, logger *zap.Logger) *MongoStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	db := client.Database(databaseName)
	return &MongoStore{
		client:      client,
		experiments: db.Collection(experimentsCollection),
		assignments: db.Collection(assignmentsCollection),
		logger:      logger.With(zap.String("component", "mongo_store")),
	}
}

// EnsureIndexes 创建 (experiment_name, subject_id) 唯一索引
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.assignments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "experiment_name", Value: 1}, {Key: "subject_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("idx_assignment_subject"),
		},
		{
			Keys:    bson.D{{Key: "experiment_name", Value: 1}, {Key: "assigned_at", Value: 1}},
			Options: options.Index().SetName("idx_assignment_time"),
		},
	})
	if err != nil {
		return types.NewStorageUnavailableError("ensure indexes", err)
	}
	s.logger.Info("indexes ensured")
	return nil
}

// Ping 检查连接
func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Close 断开连接
func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// GetExperiment 获取实验
func (s *MongoStore) GetExperiment(ctx context.Context, name string) (*experiment.Experiment, error) {
	var doc experimentDoc
	if err := s.experiments.FindOne(ctx, bson.M{"_id": name}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, experiment.ErrExperimentNotFound
		}
		return nil, types.NewStorageUnavailableError("get experiment", err)
	}
	return doc.toExperiment(), nil
}

// ListExperiments 按名称排序列出实验
func (s *MongoStore) ListExperiments(ctx context.Context) ([]*experiment.Experiment, error) {
	cursor, err := s.experiments.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, types.NewStorageUnavailableError("list experiments", err)
	}
	var docs []experimentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, types.NewStorageUnavailableError("list experiments", err)
	}
	out := make([]*experiment.Experiment, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toExperiment())
	}
	return out, nil
}

// CreateExperiment 创建实验，_id 冲突映射为 ErrExperimentExists
func (s *MongoStore) CreateExperiment(ctx context.Context, exp *experiment.Experiment) error {
	if _, err := s.experiments.InsertOne(ctx, experimentToDoc(exp)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return experiment.ErrExperimentExists
		}
		return types.NewStorageUnavailableError("create experiment", err)
	}
	return nil
}

// UpdateExperiment 按 _id 与 status 过滤替换，状态已变时不写入
func (s *MongoStore) UpdateExperiment(ctx context.Context, exp *experiment.Experiment, expected experiment.Status) error {
	filter := bson.M{"_id": exp.Name, "status": string(expected)}
	res, err := s.experiments.ReplaceOne(ctx, filter, experimentToDoc(exp))
	if err != nil {
		return types.NewStorageUnavailableError("update experiment", err)
	}
	if res.MatchedCount > 0 {
		return nil
	}
	n, err := s.experiments.CountDocuments(ctx, bson.M{"_id": exp.Name})
	if err != nil {
		return types.NewStorageUnavailableError("update experiment", err)
	}
	if n == 0 {
		return experiment.ErrExperimentNotFound
	}
	return experiment.ErrStatusConflict
}

// GetAssignment 获取分配记录
func (s *MongoStore) GetAssignment(ctx context.Context, experimentName, subjectID string) (*experiment.Assignment, error) {
	var doc assignmentDoc
	filter := bson.M{"experiment_name": experimentName, "subject_id": subjectID}
	if err := s.assignments.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, experiment.ErrAssignmentNotFound
		}
		return nil, types.NewStorageUnavailableError("get assignment", err)
	}
	return doc.toAssignment(), nil
}

// CreateAssignment 插入分配记录，唯一索引冲突映射为 ErrDuplicateAssignment
func (s *MongoStore) CreateAssignment(ctx context.Context, a *experiment.Assignment) error {
	if _, err := s.assignments.InsertOne(ctx, assignmentToDoc(a)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return experiment.ErrDuplicateAssignment
		}
		return types.NewStorageUnavailableError("create assignment", err)
	}
	return nil
}

// MarkConverted 以 converted=false 为过滤条件更新
func (s *MongoStore) MarkConverted(ctx context.Context, assignmentID string, at time.Time) (bool, error) {
	res, err := s.assignments.UpdateOne(ctx,
		bson.M{"_id": assignmentID, "converted": false},
		bson.M{"$set": bson.M{"converted": true, "converted_at": at}},
	)
	if err != nil {
		return false, types.NewStorageUnavailableError("mark converted", err)
	}
	if res.ModifiedCount > 0 {
		return true, nil
	}

	n, err := s.assignments.CountDocuments(ctx, bson.M{"_id": assignmentID})
	if err != nil {
		return false, types.NewStorageUnavailableError("mark converted", err)
	}
	if n == 0 {
		return false, experiment.ErrAssignmentNotFound
	}
	return false, nil
}

// ListAssignments 列出实验的分配记录
func (s *MongoStore) ListAssignments(ctx context.Context, experimentName string) ([]*experiment.Assignment, error) {
	opts := options.Find().SetSort(bson.D{{Key: "assigned_at", Value: 1}, {Key: "subject_id", Value: 1}})
	cursor, err := s.assignments.Find(ctx, bson.M{"experiment_name": experimentName}, opts)
	if err != nil {
		return nil, types.NewStorageUnavailableError("list assignments", err)
	}
	var docs []assignmentDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, types.NewStorageUnavailableError("list assignments", err)
	}
	out := make([]*experiment.Assignment, 0, len(docs))
	for i := range docs {
		out = append(out, docs[i].toAssignment())
	}
	return out, nil
}
