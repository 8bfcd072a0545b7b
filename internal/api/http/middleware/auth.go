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

package middleware

import (
	"context"
	"strings"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"github.com/differentialHQ/differential/internal/control/cluster"
)

// clusterKey RequestContext 中已认证集群的键
const clusterKey = "auth.cluster"

// 机器标识头：Worker 端点随请求携带
const (
	HeaderMachineID    = "x-machine-id"
	HeaderMachineIP    = "x-machine-ip"
	HeaderDeploymentID = "x-deployment-id"
)

// ClusterAuth Bearer 密钥认证：解析 Authorization 头，按共享密钥定位集群；
// 密钥不识别 401，集群停运 403
func ClusterAuth(registry cluster.Registry) app.HandlerFunc {
	return func(ctx context.Context, c *app.RequestContext) {
		secret := bearerToken(string(c.GetHeader("Authorization")))
		if secret == "" {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "authorization required"})
			c.Abort()
			return
		}
		cl, err := registry.GetClusterBySecret(ctx, secret)
		if err != nil {
			c.JSON(consts.StatusInternalServerError, map[string]string{"error": err.Error()})
			c.Abort()
			return
		}
		if cl == nil {
			c.JSON(consts.StatusUnauthorized, map[string]string{"error": "unknown cluster secret"})
			c.Abort()
			return
		}
		if !cl.Operational {
			c.JSON(consts.StatusForbidden, map[string]string{"error": "cluster is not operational"})
			c.Abort()
			return
		}
		c.Set(clusterKey, cl)
		c.Next(ctx)
	}
}

// AuthedCluster 取出已认证集群；未经过 ClusterAuth 时返回 nil
func AuthedCluster(c *app.RequestContext) *cluster.Cluster {
	v, ok := c.Get(clusterKey)
	if !ok {
		return nil
	}
	cl, _ := v.(*cluster.Cluster)
	return cl
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, prefix))
}
