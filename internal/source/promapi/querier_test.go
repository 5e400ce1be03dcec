package promapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kloudmate/capacity-pipeline/internal/collector"
	"github.com/kloudmate/capacity-pipeline/internal/models"
)

const matrixBody = `{"status":"success","data":{"resultType":"matrix","result":[
	{"metric":{"instanceId":"ob-1","node":"b"},"values":[[1792137900,"30"]]},
	{"metric":{"instanceId":"ob-1","node":"a"},"values":[[1792137600,"10"],[1792138200,"20"]]}
]}}`

const emptyBody = `{"status":"success","data":{"resultType":"matrix","result":[]}}`

func newTestServer(t *testing.T, queries *[]string) *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/query_range" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("bad form: %v", err)
		}
		query := r.Form.Get("query")
		*queries = append(*queries, query)

		w.Header().Set("Content-Type", "application/json")
		switch query {
		case `cpu_usage{instanceId="ob-1"}`:
			w.Write([]byte(matrixBody))
		case `broken{}`:
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
		default:
			w.Write([]byte(emptyBody))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testQuery(metric string, dims map[string]string) collector.Query {
	start := time.Unix(1792137600, 0)
	return collector.Query{
		Metric:     metric,
		Dimensions: dims,
		Start:      start,
		End:        start.Add(time.Hour),
		Period:     5 * time.Minute,
	}
}

func TestQuery(t *testing.T) {
	var queries []string
	srv := newTestServer(t, &queries)

	q, err := NewQuerier(&Config{Address: srv.URL}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}

	samples, err := q.Query(context.Background(), testQuery("cpu_usage", map[string]string{"instanceId": "ob-1"}))
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}

	values := models.SampleValues(samples)
	want := []float64{10, 30, 20}
	if len(values) != len(want) {
		t.Fatalf("values = %v, want %v", values, want)
	}
	for i := range want {
		if values[i] != want[i] {
			t.Errorf("values = %v, want %v (time ordered)", values, want)
			break
		}
	}

	unknown, err := q.Query(context.Background(), testQuery("qps", map[string]string{"instanceId": "ob-1"}))
	if err != nil || len(unknown) != 0 {
		t.Errorf("unknown metric = %v, %v; want no samples and no error", unknown, err)
	}

	if _, err := q.Query(context.Background(), testQuery("broken", nil)); err == nil {
		t.Errorf("expected API error to surface")
	}
}

func TestExpr(t *testing.T) {
	tests := []struct {
		name        string
		aggregation string
		q           collector.Query
		want        string
		wantErr     bool
	}{
		{
			name: "sorted dimensions",
			q: testQuery("cpu_usage", map[string]string{
				collector.DimensionTenant:   "t-1",
				collector.DimensionInstance: "ob-1",
			}),
			want: `cpu_usage{instanceId="ob-1",tenantId="t-1"}`,
		},
		{
			name:        "aggregated",
			aggregation: "avg",
			q:           testQuery("memory_usage", map[string]string{collector.DimensionInstance: "ob-1"}),
			want:        `avg(memory_usage{instanceId="ob-1"})`,
		},
		{
			name: "quoted value",
			q:    testQuery("cpu_usage", map[string]string{collector.DimensionInstance: `ob"1`}),
			want: `cpu_usage{instanceId="ob\"1"}`,
		},
		{
			name:    "invalid metric",
			q:       testQuery("cpu usage", nil),
			wantErr: true,
		},
		{
			name:    "invalid dimension",
			q:       testQuery("cpu_usage", map[string]string{"instance-id": "x"}),
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQuerier(&Config{Address: "http://localhost:9090", Aggregation: tt.aggregation}, zaptest.NewLogger(t))
			if err != nil {
				t.Fatal(err)
			}
			got, err := q.Expr(tt.q)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Expr() = %s, want %s", got, tt.want)
			}
		})
	}
}
