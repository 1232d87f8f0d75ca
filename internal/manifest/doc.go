// Parses build manifests and dependency manifests.
//
// A build manifest uses Dockerfile syntax restricted to a single stage:
//
//	FROM python:3.12-slim
//	WORKDIR /app
//	COPY requirements.txt ./
//	RUN pip install --no-cache-dir -r requirements.txt
//	COPY . .
//	EXPOSE ${APP_PORT}
//	CMD ["uvicorn", "app.main:app", "--host", "0.0.0.0", "--port", "8000"]
//
// Supported instructions are FROM, WORKDIR, COPY, RUN, ENV, EXPOSE, CMD,
// ENTRYPOINT and LABEL. FROM must appear exactly once, as the first
// instruction. Variable references are kept verbatim here and expanded by the
// build against the accumulated image environment.
//
// Dependency manifests are pip requirement files. ParseRequirements extracts
// package names (normalized), version specifiers and hashes so a build can
// verify what was installed.
package manifest
