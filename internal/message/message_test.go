package message

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const workflowDoc = `{
  "cumulus_meta": {
    "execution_name": "exec-1",
    "state_machine": "arn:aws:states:us-west-2:123456789012:stateMachine:IngestGranule",
    "workflow_start_time": 1000
  },
  "meta": {"status": "running", "workflow_name": "IngestGranule", "collection": {"name": "MOD09GQ", "version": "006"}},
  "payload": {"granules": [
    {"granuleId": "G1"},
    {"granuleId": "G2", "files": null},
    {"granuleId": "G3", "files": []},
    {"granuleId": "G4", "files": [{"bucket": "protected", "key": "path/to/G4.hdf", "size": 12}]}
  ]}
}`

func decodeGranules(t *testing.T, msg *Message) []Granule {
	t.Helper()
	out := make([]Granule, 0, len(msg.Payload.Granules))
	for _, raw := range msg.Payload.Granules {
		g, err := DecodeGranule(raw)
		require.NoError(t, err)
		out = append(out, g)
	}
	return out
}

func TestDecodeKeepsRawPayloadAndFileShapes(t *testing.T) {
	msg, err := Decode([]byte(workflowDoc))
	require.NoError(t, err)
	assert.Contains(t, string(msg.Payload.Raw), `"granules"`)
	granules := decodeGranules(t, msg)
	require.Len(t, granules, 4)

	_, present, err := granules[0].FileList()
	require.NoError(t, err)
	assert.False(t, present)

	_, present, err = granules[1].FileList()
	assert.True(t, present)
	assert.ErrorIs(t, err, ErrNullFiles)

	files, present, err := granules[2].FileList()
	require.NoError(t, err)
	assert.True(t, present)
	assert.Empty(t, files)

	files, _, err = granules[3].FileList()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "G4.hdf", files[0].FileName)
	assert.JSONEq(t, `{"granuleId": "G4", "files": [{"bucket": "protected", "key": "path/to/G4.hdf", "size": 12}]}`, string(granules[3].Raw))
}

func TestDecodeToleratesBadlyTypedGranule(t *testing.T) {
	doc := `{"cumulus_meta":{"execution_name":"e"},"meta":{"status":"completed"},"payload":{"granules":[
{"granuleId":"G1"},{"granuleId":"G2","published":"yes","files":null},{"granuleId":7}]}}`
	msg, err := Decode([]byte(doc))
	require.NoError(t, err)
	require.Len(t, msg.Payload.Granules, 3)

	assert.Equal(t, GranuleHeader{GranuleID: "G1"}, ReadGranuleHeader(msg.Payload.Granules[0]))
	assert.Equal(t, GranuleHeader{GranuleID: "G2", FilesNull: true}, ReadGranuleHeader(msg.Payload.Granules[1]))
	assert.Equal(t, GranuleHeader{}, ReadGranuleHeader(msg.Payload.Granules[2]))

	_, err = DecodeGranule(msg.Payload.Granules[1])
	require.Error(t, err)
}

func TestExecutionArnAndURL(t *testing.T) {
	msg, err := Decode([]byte(workflowDoc))
	require.NoError(t, err)
	arn, err := msg.ExecutionArn()
	require.NoError(t, err)
	assert.Equal(t, "arn:aws:states:us-west-2:123456789012:execution:IngestGranule:exec-1", arn)
	assert.Equal(t, "https://console.aws.amazon.com/states/home?region=us-west-2#/executions/details/"+arn, ExecutionURL(arn))

	_, err = (&Message{}).ExecutionArn()
	require.Error(t, err)
}

func TestErrorNormalization(t *testing.T) {
	cases := map[string]string{
		``:                          `{}`,
		`null`:                      `{}`,
		`"None"`:                    `{}`,
		`"lambda timed out"`:        `{"Cause":"lambda timed out","Error":"Unknown Error"}`,
		`{"Error":"X","Cause":"Y"}`: `{"Error":"X","Cause":"Y"}`,
	}
	for in, want := range cases {
		m := &Message{Exception: json.RawMessage(in)}
		assert.JSONEq(t, want, string(m.Error()), "exception %q", in)
	}
	assert.False(t, (&Message{}).HasException())
}

func TestRecordTypesFor(t *testing.T) {
	m := &Message{CumulusMeta: CumulusMeta{RecordTypes: map[string]map[string][]string{
		"IngestGranule": {"running": {"execution"}},
	}}}
	types, ok := m.RecordTypesFor("IngestGranule", "running")
	require.True(t, ok)
	assert.Equal(t, []string{"execution"}, types)
	_, ok = m.RecordTypesFor("IngestGranule", "completed")
	assert.False(t, ok)
}

type mapLoader map[string]string

func (l mapLoader) Load(_ context.Context, bucket, key string) ([]byte, error) {
	body, ok := l[bucket+"/"+key]
	if !ok {
		return nil, errors.New("no such key")
	}
	return []byte(body), nil
}

func TestUnwrapBareAndSNS(t *testing.T) {
	u := Unwrapper{}
	msg, err := u.Unwrap(context.Background(), workflowDoc)
	require.NoError(t, err)
	assert.Equal(t, "running", msg.Status())

	inner, _ := json.Marshal(workflowDoc)
	sns := `{"Type":"Notification","TopicArn":"arn:aws:sns:us-east-1:1:t","Message":` + string(inner) + `}`
	msg, err = u.Unwrap(context.Background(), sns)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", msg.CumulusMeta.ExecutionName)

	_, err = u.Unwrap(context.Background(), `not json`)
	require.Error(t, err)
}

func TestUnwrapStepFunctionsEvent(t *testing.T) {
	output, _ := json.Marshal(workflowDoc)
	event := `{"source":"aws.states","detail-type":"Step Functions Execution Status Change","detail":{
"executionArn":"arn:aws:states:us-west-2:123456789012:execution:IngestGranule:exec-1",
"status":"SUCCEEDED","startDate":1000,"stopDate":4000,"output":` + string(output) + `}}`
	msg, err := Unwrapper{}.Unwrap(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, "completed", msg.Status())
	require.NotNil(t, msg.CumulusMeta.WorkflowStopTime)
	assert.Equal(t, int64(4000), *msg.CumulusMeta.WorkflowStopTime)

	failed := `{"source":"aws.states","detail":{"status":"TIMED_OUT","input":` + string(output) + `}}`
	msg, err = Unwrapper{}.Unwrap(context.Background(), failed)
	require.NoError(t, err)
	assert.Equal(t, "failed", msg.Status())

	_, err = Unwrapper{}.Unwrap(context.Background(), `{"source":"aws.states","detail":{"status":"RUNNING"}}`)
	require.Error(t, err)
}

func TestUnwrapRemoteMessage(t *testing.T) {
	stub := `{"cumulus_meta":{"execution_name":"stub"},"replace":{"Bucket":"msgs","Key":"big.json"}}`
	_, err := Unwrapper{}.Unwrap(context.Background(), stub)
	require.Error(t, err)

	u := Unwrapper{Loader: mapLoader{"msgs/big.json": workflowDoc}}
	msg, err := u.Unwrap(context.Background(), stub)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", msg.CumulusMeta.ExecutionName)
	assert.Nil(t, msg.Replace)

	_, err = Unwrapper{Loader: mapLoader{}}.Unwrap(context.Background(), stub)
	require.Error(t, err)
}

type fakeS3 struct {
	bucket, key string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.bucket, f.key = *in.Bucket, *in.Key
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewBufferString(workflowDoc))}, nil
}

func TestS3Loader(t *testing.T) {
	client := &fakeS3{}
	data, err := S3Loader{Client: client}.Load(context.Background(), "msgs", "big.json")
	require.NoError(t, err)
	assert.Equal(t, "msgs", client.bucket)
	assert.Equal(t, "big.json", client.key)
	assert.Equal(t, workflowDoc, string(data))
}
