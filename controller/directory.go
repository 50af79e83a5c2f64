// Copyright (c) 2014 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package controller

import (
	"context"

	"github.com/couchbase/grainidx/common"
	"github.com/google/uuid"
)

// QueueGrainDirectory adapts a Directory (controller activation-by-identity)
// into the queue.GrainDirectory shape a queue.Queue needs, so one queue can
// serve every controller of its interface without importing this package.
type QueueGrainDirectory struct {
	Dir Directory
}

func (d QueueGrainDirectory) ActiveActionIDs(ctx context.Context, grain common.GrainRef) (map[uuid.UUID]struct{}, error) {
	c, err := d.Dir.Get(ctx, grain)
	if err != nil {
		return nil, err
	}
	return c.ActiveActionIDs(ctx, grain)
}

func (d QueueGrainDirectory) ClearActionIDs(ctx context.Context, grain common.GrainRef, ids []uuid.UUID) error {
	c, err := d.Dir.Get(ctx, grain)
	if err != nil {
		return err
	}
	return c.ClearActionIDs(ctx, grain, ids)
}
