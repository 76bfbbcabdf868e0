// Copyright 2024 Yojana AI Project
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

package resilience

import (
	"github.com/gin-gonic/gin"

	"github.com/your-org/yojana-ai/internal/requestid"
)

// AbortWithError stops the handler chain and writes err as an
// ErrorResponse carrying the request id
func AbortWithError(c *gin.Context, err *ServiceError) {
	c.AbortWithStatusJSON(err.StatusCode, err.ToErrorResponse(requestid.Get(c)))
}
