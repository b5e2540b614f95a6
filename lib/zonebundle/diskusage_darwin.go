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

//go:build darwin

package zonebundle

func init() {
	// BSD du has no byte-accurate flag; -k is the finest granularity
	// available, reporting the total in 1024-byte blocks.
	duCommand = func(root string) []string { return []string{"du", "-k", "-s", root} }
	duBlockSize = 1024
}
