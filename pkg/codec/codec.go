// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package codec 负载编解码：核心对 target_args 与 result 不作解释，打包格式由调用方选择
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Codec 负载编解码接口；Pack 的产物即 Job 行中的不透明字节
type Codec interface {
	Pack(v interface{}) ([]byte, error)
	Unpack(data []byte, v interface{}) error
}

// ErrUnpack 负载无法解码
var ErrUnpack = errors.New("codec: unable to unpack payload")

// JSONCodec 默认实现：JSON 编码
type JSONCodec struct{}

// NewJSONCodec 创建 JSON 编解码器
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Pack(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (c *JSONCodec) Unpack(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrUnpack, err)
	}
	return nil
}
