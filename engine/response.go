package engine

import (
	"strings"
	"time"

	"github.com/charlesren/netpriv/privilege"
)

// Response 单条命令的结果
type Response struct {
	Host               string        `json:"host"`
	Input              string        `json:"input"`
	RawResult          []byte        `json:"-"`
	Result             string        `json:"result"`
	StartTime          time.Time     `json:"start_time"`
	EndTime            time.Time     `json:"end_time"`
	ElapsedTime        time.Duration `json:"elapsed_time"`
	FailedWhenContains []string      `json:"-"`
	Failed             bool          `json:"failed"`
	FailedMarker       string        `json:"failed_marker,omitempty"`
}

// NewResponse 在发送命令前创建，记录开始时间
func NewResponse(host, input string, failedWhenContains []string) *Response {
	return &Response{
		Host:               host,
		Input:              input,
		StartTime:          time.Now(),
		FailedWhenContains: failedWhenContains,
	}
}

// Record 记录输出并检查失败标记
func (r *Response) Record(raw []byte, result string) {
	r.EndTime = time.Now()
	r.ElapsedTime = r.EndTime.Sub(r.StartTime)
	r.RawResult = raw
	r.Result = result
	r.FailedMarker, r.Failed = privilege.ScanFailure(result, r.FailedWhenContains)
}

// MultiResponse 多条命令的结果，顺序与发送顺序一致
type MultiResponse struct {
	Host        string        `json:"host"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	ElapsedTime time.Duration `json:"elapsed_time"`
	Responses   []*Response   `json:"responses"`
	Failed      bool          `json:"failed"`
}

func NewMultiResponse(host string) *MultiResponse {
	return &MultiResponse{Host: host, StartTime: time.Now()}
}

// AppendResponse 追加一条结果，任一条失败则整体失败
func (m *MultiResponse) AppendResponse(r *Response) {
	m.Responses = append(m.Responses, r)
	m.EndTime = time.Now()
	m.ElapsedTime = m.EndTime.Sub(m.StartTime)
	if r.Failed {
		m.Failed = true
	}
}

// JoinedResult 按顺序拼接所有命令的输出
func (m *MultiResponse) JoinedResult() string {
	parts := make([]string, 0, len(m.Responses))
	for _, r := range m.Responses {
		parts = append(parts, r.Result)
	}
	return strings.Join(parts, "\n")
}
