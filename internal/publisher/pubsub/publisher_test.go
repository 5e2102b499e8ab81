package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"cloud.google.com/go/pubsub/v2/pstest"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const project = "crawl-project"

func newTestPublisher(t *testing.T, topics ...string) (*Publisher, *pstest.Server) {
	t.Helper()
	ctx := context.Background()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	client, err := pubsub.NewClient(ctx, project,
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	require.NoError(t, err)
	for _, topic := range topics {
		_, err := client.TopicAdminClient.CreateTopic(ctx, &pubsubpb.Topic{
			Name: "projects/" + project + "/topics/" + topic,
		})
		require.NoError(t, err)
	}
	pub, err := New(client)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pub.Close() })
	return pub, srv
}

func TestPublishSendsJSONAndTraceContext(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	pub, srv := newTestPublisher(t, "crawl-events")
	ctx, span := tp.Tracer("test").Start(context.Background(), "crawl.visit")
	defer span.End()

	id, err := pub.Publish(ctx, "crawl-events", map[string]any{
		"job_rank": 3,
		"target":   "http://example.com",
		"success":  true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	var got map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, "http://example.com", got["target"])
	require.EqualValues(t, 3, got["job_rank"])
	require.Contains(t, msgs[0].Attributes, "traceparent")
	require.Contains(t, msgs[0].Topic, "crawl-events")
}

func TestPublishReusesTopicPublisher(t *testing.T) {
	pub, srv := newTestPublisher(t, "a", "b")
	ctx := context.Background()

	for _, topic := range []string{"a", "b", "a"} {
		_, err := pub.Publish(ctx, topic, map[string]string{"topic": topic})
		require.NoError(t, err)
	}
	require.Len(t, pub.topics, 2)
	require.Len(t, srv.Messages(), 3)
}

func TestPublishErrors(t *testing.T) {
	pub, _ := newTestPublisher(t)
	ctx := context.Background()

	_, err := pub.Publish(ctx, "", "x")
	require.ErrorContains(t, err, "topic is required")

	_, err = pub.Publish(ctx, "missing", "x")
	require.ErrorContains(t, err, "publish message")

	_, err = pub.Publish(ctx, "crawl-events", make(chan int))
	require.ErrorContains(t, err, "marshal payload")

	require.NoError(t, pub.Close())
	require.NoError(t, pub.Close())
	_, err = pub.Publish(ctx, "crawl-events", "x")
	require.ErrorContains(t, err, "closed")
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil)
	require.ErrorContains(t, err, "pubsub client is required")
	_, err = Dial(context.Background(), "")
	require.ErrorContains(t, err, "pubsub.project_id is required")
}
