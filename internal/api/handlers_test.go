package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"entity-extractor/internal/entity"
	"entity-extractor/internal/models"
	"entity-extractor/internal/pdftext/pdftest"
	"entity-extractor/internal/storage"
	"entity-extractor/mocks"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const testBucket = "fake-bucket-name"

type testDeps struct {
	db    *mocks.MockJobStore
	queue *mocks.MockJobQueuer
	store *mocks.MockFileStorer
	model *mocks.MockPredictor
}

func newTestRouter(t *testing.T, withModel bool) (http.Handler, *testDeps) {
	t.Helper()
	d := &testDeps{
		db:    new(mocks.MockJobStore),
		queue: new(mocks.MockJobQueuer),
		store: new(mocks.MockFileStorer),
		model: new(mocks.MockPredictor),
	}
	var model Predictor
	if withModel {
		model = d.model
	}
	t.Cleanup(func() {
		d.db.AssertExpectations(t)
		d.queue.AssertExpectations(t)
		d.store.AssertExpectations(t)
		d.model.AssertExpectations(t)
	})
	return NewRouter(NewAPIHandler(d.db, d.queue, d.store, testBucket, model, nil)), d
}

func multipartBody(t *testing.T, field, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := new(bytes.Buffer)
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile(field, filename)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func isPDFKey(key string) bool {
	id, ok := strings.CutSuffix(key, ".pdf")
	if !ok {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func TestUploadDocument_Success(t *testing.T) {
	router, d := newTestRouter(t, false)

	var uploadedKey string
	d.store.On("Upload", mock.Anything, mock.Anything, testBucket, mock.MatchedBy(isPDFKey), "application/pdf").
		Run(func(args mock.Arguments) { uploadedKey = args.String(3) }).
		Return("http://s3.com/mock.pdf", nil).Once()
	d.db.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(isPDFKey)).Return(nil).Once()
	d.queue.On("InsertJob", mock.Anything, mock.Anything).Return(nil).Once()

	body, contentType := multipartBody(t, "document", "contract.pdf", pdftest.Build(pdftest.TextPage("hi")))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusAccepted, rr.Code, rr.Body.String())

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	jobID, err := uuid.Parse(resp["jobId"])
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(7), jobID.Version())
	assert.Equal(t, jobID.String()+".pdf", uploadedKey)
	d.db.AssertCalled(t, "Create", mock.Anything, jobID, uploadedKey)
	d.queue.AssertCalled(t, "InsertJob", mock.Anything, jobID.String())
}

func TestUploadDocument_RejectsNonPDF(t *testing.T) {
	router, _ := newTestRouter(t, false)

	body, contentType := multipartBody(t, "document", "notes.pdf", []byte("this is a fake PDF"))
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestUploadDocument_MissingField(t *testing.T) {
	router, _ := newTestRouter(t, false)

	body, contentType := multipartBody(t, "file", "a.pdf", pdftest.Build())
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUploadDocument_UploadFails(t *testing.T) {
	router, d := newTestRouter(t, false)

	d.store.On("Upload", mock.Anything, mock.Anything, testBucket, mock.Anything, "application/pdf").
		Return("", errors.New("s3 down")).Once()

	body, contentType := multipartBody(t, "document", "a.pdf", pdftest.Build())
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	d.db.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
}

func TestUploadDocument_CreateFailsRemovesObject(t *testing.T) {
	router, d := newTestRouter(t, false)

	d.store.On("Upload", mock.Anything, mock.Anything, testBucket, mock.Anything, "application/pdf").Return("loc", nil).Once()
	d.db.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	d.store.On("Delete", mock.Anything, testBucket, mock.MatchedBy(isPDFKey)).Return(nil).Once()

	body, contentType := multipartBody(t, "document", "a.pdf", pdftest.Build())
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	d.queue.AssertNotCalled(t, "InsertJob", mock.Anything, mock.Anything)
}

func TestUploadDocument_QueueFailsClosesJob(t *testing.T) {
	router, d := newTestRouter(t, false)

	var jobID uuid.UUID
	d.store.On("Upload", mock.Anything, mock.Anything, testBucket, mock.MatchedBy(isPDFKey), "application/pdf").Return("loc", nil).Once()
	d.db.On("Create", mock.Anything, mock.Anything, mock.MatchedBy(isPDFKey)).
		Run(func(args mock.Arguments) { jobID = args.Get(1).(uuid.UUID) }).
		Return(nil).Once()
	d.queue.On("InsertJob", mock.Anything, mock.Anything).Return(errors.New("valkey down")).Once()
	d.db.On("FailJob", mock.Anything, mock.Anything, mock.MatchedBy(func(msg string) bool {
		return strings.Contains(msg, "valkey down")
	})).Return(nil).Once()
	d.store.On("Delete", mock.Anything, testBucket, mock.MatchedBy(isPDFKey)).Return(nil).Once()

	body, contentType := multipartBody(t, "document", "a.pdf", pdftest.Build())
	req := httptest.NewRequest(http.MethodPost, "/documents", body)
	req.Header.Set("Content-Type", contentType)
	rr := httptest.NewRecorder()

	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	d.db.AssertCalled(t, "FailJob", mock.Anything, jobID, mock.Anything)
	d.store.AssertCalled(t, "Delete", mock.Anything, testBucket, jobID.String()+".pdf")
}

func TestViewResult(t *testing.T) {
	router, d := newTestRouter(t, false)
	jobID := uuid.New()
	text := "extracted"
	d.db.On("Get", mock.Anything, jobID).Return(&models.Job{
		ID:        jobID,
		Status:    models.StatusCompleted,
		FileName:  jobID.String() + ".pdf",
		Text:      &text,
		PageCount: 1,
	}, nil).Once()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/documents/"+jobID.String(), nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &job))
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, models.StatusCompleted, job.Status)
	require.NotNil(t, job.Text)
	assert.Equal(t, "extracted", *job.Text)
}

func TestViewResult_Errors(t *testing.T) {
	router, d := newTestRouter(t, false)
	missing := uuid.New()
	broken := uuid.New()
	d.db.On("Get", mock.Anything, missing).Return(nil, fmt.Errorf("job %s: %w", missing, storage.ErrNotFound)).Once()
	d.db.On("Get", mock.Anything, broken).Return(nil, errors.New("connection refused")).Once()

	tests := []struct {
		path string
		want int
	}{
		{"/documents/not-a-uuid", http.StatusBadRequest},
		{"/documents/" + missing.String(), http.StatusNotFound},
		{"/documents/" + broken.String(), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, tt.path, nil))
		assert.Equal(t, tt.want, rr.Code, tt.path)
	}
}

func postPredict(router http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func TestPredict_Success(t *testing.T) {
	router, d := newTestRouter(t, true)

	in := entity.Tensor{Shape: []int64{2, 3}, Data: []float64{1, 2, 3, 4, 5, 6}}
	out := entity.Tensor{Shape: []int64{2, 2}, Data: []float64{0.9, 0.1, 0.2, 0.8}}
	classes := []entity.Class{{Index: 0, Label: "PERSON", Score: 0.9}, {Index: 1, Label: "ORG", Score: 0.8}}
	d.model.On("Predict", mock.Anything, in).Return(out, nil).Once()
	d.model.On("Classes", out).Return(classes, nil).Once()

	rr := postPredict(router, `{"hypothesis": [[1,2,3],[4,5,6]]}`)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp predictResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, []int64{2, 2}, resp.Shape)
	assert.Equal(t, [][]float64{{0.9, 0.1}, {0.2, 0.8}}, resp.Scores)
	assert.Equal(t, classes, resp.Classes)
}

func TestPredict_BadRequests(t *testing.T) {
	router, _ := newTestRouter(t, true)

	for _, body := range []string{
		`not json`,
		`{}`,
		`{"hypothesis": "abc"}`,
		`{"hypothesis": []}`,
		`{"hypothesis": [[1,2],[3]]}`,
		`{"hypothesis": [[1],2]}`,
		`{"hypothesis": [1], "extra": true}`,
	} {
		rr := postPredict(router, body)
		assert.Equal(t, http.StatusBadRequest, rr.Code, body)
	}
}

func TestPredict_RuntimeErrors(t *testing.T) {
	router, d := newTestRouter(t, true)

	d.model.On("Predict", mock.Anything, entity.Tensor{Shape: []int64{1}, Data: []float64{1}}).
		Return(entity.Tensor{}, fmt.Errorf("predict entity: %w", entity.ErrShape)).Once()
	d.model.On("Predict", mock.Anything, entity.Tensor{Shape: []int64{1}, Data: []float64{2}}).
		Return(entity.Tensor{}, errors.New("onnx run: boom")).Once()

	assert.Equal(t, http.StatusUnprocessableEntity, postPredict(router, `{"hypothesis": [1]}`).Code)
	assert.Equal(t, http.StatusInternalServerError, postPredict(router, `{"hypothesis": [2]}`).Code)
}

func TestPredict_NoModel(t *testing.T) {
	router, _ := newTestRouter(t, false)

	assert.Equal(t, http.StatusServiceUnavailable, postPredict(router, `{"hypothesis": [1]}`).Code)
}

func TestHealth(t *testing.T) {
	router, d := newTestRouter(t, true)
	d.model.On("Input").Return(entity.TensorInfo{Name: "features", Shape: []int64{-1, 3}, DataType: "float32"}).Once()
	d.model.On("Output").Return(entity.TensorInfo{Name: "scores", Shape: []int64{-1, 2}, DataType: "float32"}).Once()
	d.model.On("Labels").Return([]string{"PERSON", "ORG"}).Once()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.True(t, resp.Model)
	require.NotNil(t, resp.Input)
	assert.Equal(t, "features", resp.Input.Name)
	assert.Equal(t, []string{"PERSON", "ORG"}, resp.Labels)
}
