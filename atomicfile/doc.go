/*
Package atomicfile replaces a file's content as a whole: data is written to a
temporary file in the destination directory which is renamed over the
destination on Close(). Readers either see the old content or the new one,
never a partially written file.

The store uses it for files it rewrites wholesale: label index files and
regenerated catalogs.

	err := atomicfile.WriteFile(path, data, false)

or, when streaming:

	w, err := atomicfile.New(path)
	if err != nil {
		return err
	}
	// calling Close() twice is a no-op
	defer w.Close()
	if _, err = w.Write(data); err != nil {
		return err
	}
	return w.Close()

If Write() or Close() fails, the temporary file is removed and the
destination is left as it was.
*/
package atomicfile
