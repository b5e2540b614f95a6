/*
Copyright 2024 the coreupdate authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package update

import (
	"github.com/sirupsen/logrus"

	"github.com/racksled/coreupdate/lib/installinator"
	"github.com/racksled/coreupdate/lib/mgs"
)

// Dependencies bundles the external collaborators a production engine
// needs: the MGS facade, the singleton trampoline Uploader, and the
// installinator Relay.
type Dependencies struct {
	MGS      mgs.Client
	Uploader *Uploader
	Relay    *installinator.Relay
	Logger   logrus.FieldLogger
}
