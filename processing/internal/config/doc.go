// Package config loads the processing service configuration from YAML.
//
// Load fills defaults first, so a file only needs the keys it changes, then
// validates the result. ROIs are written in their list form,
// [offset_x, size_x, offset_y, size_y], or [] to disable.
//
// Watch reloads the file on change and hands the new Config to a callback;
// main uses it to push ROI edits into the running manager. A reload that fails
// to parse or validate is logged and dropped.
package config
