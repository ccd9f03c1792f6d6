package inference

import (
	"context"
	"image"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// visionStub serves the two vision methods with canned Struct replies.
func visionStub(t *testing.T, landmarks, detect func(*structpb.Struct) map[string]interface{}) string {
	t.Helper()

	handler := func(fn func(*structpb.Struct) map[string]interface{}) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
		return func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
			in := &structpb.Struct{}
			if err := dec(in); err != nil {
				return nil, err
			}
			return structpb.NewStruct(fn(in))
		}
	}

	desc := grpc.ServiceDesc{
		ServiceName: "driverhub.Vision",
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "ExtractLandmarks", Handler: handler(landmarks)},
			{MethodName: "DetectObjects", Handler: handler(detect)},
		},
	}

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := grpc.NewServer()
	srv.RegisterService(&desc, struct{}{})
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	return lis.Addr().String()
}

func TestGRPCLandmarksAndDetect(t *testing.T) {
	addr := visionStub(t,
		func(in *structpb.Struct) map[string]interface{} {
			assert.NotEmpty(t, in.GetFields()["image"].GetStringValue())
			return map[string]interface{}{
				"errno": 0,
				"landmarks": []interface{}{
					map[string]interface{}{"x": 0.25, "y": 0.5},
				},
			}
		},
		func(in *structpb.Struct) map[string]interface{} {
			assert.Equal(t, 0.5, in.GetFields()["confidence"].GetNumberValue())
			return map[string]interface{}{
				"results": []interface{}{
					map[string]interface{}{
						"label": "stop", "score": 0.7,
						"location": map[string]interface{}{"left": 0.5, "top": 0.5, "width": 0.25, "height": 0.25},
					},
					map[string]interface{}{
						"label": "weak", "score": 0.2,
						"location": map[string]interface{}{"left": 0.0, "top": 0.0, "width": 0.5, "height": 0.5},
					},
				},
			}
		},
	)

	c, err := NewGRPCClient(addr, "yolo", 2*time.Second)
	require.NoError(t, err)
	defer c.Close()

	lm, err := c.Landmarks(context.Background(), testFrame(8, 8))
	require.NoError(t, err)
	assert.Equal(t, []Landmark{{X: 0.25, Y: 0.5}}, lm)

	dets, err := c.Detect(context.Background(), testFrame(100, 100), 0.5)
	require.NoError(t, err)
	require.Len(t, dets, 1)
	assert.Equal(t, "stop", dets[0].Label)
	assert.Equal(t, image.Rect(50, 50, 75, 75), dets[0].Box)
}

func TestGRPCErrno(t *testing.T) {
	fail := func(*structpb.Struct) map[string]interface{} {
		return map[string]interface{}{"errno": 2, "err_msg": "busy"}
	}
	addr := visionStub(t, fail, fail)

	c, err := NewGRPCClient(addr, "", time.Second)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Landmarks(context.Background(), testFrame(4, 4))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "busy")
}
